// Package vm implements the stratum execution engine.
//
// This package contains:
//   - Tagged values (number, handle, string) and the variable types that map onto them
//   - The double-buffered variable memory shared by every instance of a project
//   - The instance tree builder that materializes a class-prototype tree
//   - The bytecode interpreter (stack machine) that runs one instance's code
//   - Link propagation between connected variables
//   - The hyper-call bridge to the host (windows, files, graphics spaces)
//   - The project controller and the executors that drive its ticks
package vm
