package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/khokm/stratum-player/library"
	"github.com/khokm/stratum-player/vm"
)

// handleCompileCommand processes the `stratum compile` subcommand.
// Usage:
//
//	stratum compile                     # classes from stratum.toml -> project.slib
//	stratum compile -o game.slib src    # explicit directories
func handleCompileCommand(args []string) {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	output := fs.String("o", "", "Output file (default <project>.slib)")
	fs.Parse(args)

	lib, name := loadForCommand(fs.Args())
	if *output == "" {
		*output = name + ".slib"
	}
	if err := lib.Save(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d classes to %s\n", lib.Len(), *output)
}

// handleDisasmCommand processes the `stratum disasm <class>` subcommand.
func handleDisasmCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: stratum disasm <class> [dirs...]")
		os.Exit(1)
	}
	lib, _ := loadForCommand(args[1:])
	proto, ok := lib.Prototype(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", &vm.PrototypeNotFoundError{Name: args[0]})
		os.Exit(1)
	}

	fmt.Printf("class %s (%s)\n", proto.Name, proto.Dir)
	for i, v := range proto.Vars {
		fmt.Printf("  var %d %s %s = %q\n", i, v.Name, v.Type, v.Default)
	}
	for _, c := range proto.Children {
		fmt.Printf("  child #%d %s %s\n", c.Handle, c.ClassName, c.Name)
	}
	fmt.Print(vm.Disassemble(proto.Code))
}

// loadForCommand loads classes from dirs, or from the manifest's class
// paths when none are given. It also returns the project name.
func loadForCommand(dirs []string) (*library.Library, string) {
	m, err := loadManifest(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if len(dirs) == 0 {
		dirs = m.ClassPaths()
	}
	lib, err := library.Load(".", dirs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return lib, m.Project.Name
}
