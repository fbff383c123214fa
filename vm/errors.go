package vm

import (
	"errors"
	"fmt"
)

// Build-time and run-time error kinds. Use errors.Is to classify.
var (
	// ErrPrototypeNotFound: a required class prototype is absent. Fatal to
	// project construction.
	ErrPrototypeNotFound = errors.New("prototype not found")

	// ErrUnresolvedReference: a child or link declaration names something
	// that does not exist. Recorded in diagnostics, never fatal.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrUnknownOpcode: the interpreter met an instruction it does not
	// implement. Fatal to the project.
	ErrUnknownOpcode = errors.New("unknown instruction")

	// ErrStackTypeMismatch: an operand of the wrong kind was popped.
	// Fatal to the project.
	ErrStackTypeMismatch = errors.New("operand type mismatch")

	// ErrStackUnderflow: an instruction popped from an empty stack.
	ErrStackUnderflow = errors.New("operand stack underflow")

	// ErrBadOperand: malformed inline operand (truncated stream, bad
	// literal or variable index, jump outside the code).
	ErrBadOperand = errors.New("malformed instruction operand")

	// ErrReentrancyDenied: nested execution refused at the depth ceiling.
	// Non-fatal; the call yields a neutral result.
	ErrReentrancyDenied = errors.New("reentrancy limit reached")

	// ErrHyperCallFailure: the host could not perform a hyper-call.
	// Non-fatal unless it also wraps ErrUnrecoverable.
	ErrHyperCallFailure = errors.New("hyper-call failed")

	// ErrUnrecoverable marks host failures that must stop the project.
	ErrUnrecoverable = errors.New("unrecoverable host failure")

	// ErrProjectClosed is returned by control operations on a project that
	// is closed or failed.
	ErrProjectClosed = errors.New("project is closed")
)

// PrototypeNotFoundError names the missing class.
type PrototypeNotFoundError struct {
	Name string
}

func (e *PrototypeNotFoundError) Error() string {
	return fmt.Sprintf("class prototype %q not found", e.Name)
}

func (e *PrototypeNotFoundError) Is(target error) bool {
	return target == ErrPrototypeNotFound
}

// UnknownOpcodeError carries the offending opcode byte.
type UnknownOpcodeError struct {
	Code byte
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode 0x%02X", e.Code)
}

func (e *UnknownOpcodeError) Is(target error) bool {
	return target == ErrUnknownOpcode
}

// VMError is a fatal fault raised while executing one instance's code.
type VMError struct {
	Class  string // prototype name of the executing instance
	Offset int    // bytecode offset of the failing instruction
	Err    error
}

func (e *VMError) Error() string {
	return fmt.Sprintf("%s@%d: %v", e.Class, e.Offset, e.Err)
}

func (e *VMError) Unwrap() error {
	return e.Err
}

// HyperCallError wraps a host failure with the operation that failed.
type HyperCallError struct {
	Op  HyperOp
	Err error
}

func (e *HyperCallError) Error() string {
	return fmt.Sprintf("hyper-call %s: %v", e.Op, e.Err)
}

func (e *HyperCallError) Unwrap() error {
	return e.Err
}

func (e *HyperCallError) Is(target error) bool {
	return target == ErrHyperCallFailure
}

// vmFault is the panic payload used inside the interpreter loop. It never
// escapes Interpreter.Execute.
type vmFault struct {
	err error
}

func fault(err error) {
	panic(&vmFault{err: err})
}

func faultf(sentinel error, format string, args ...any) {
	panic(&vmFault{err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)})
}

// userMessage renders a run-time error for subscribers: the class that
// failed and the error kind, without offsets or operand detail.
func userMessage(err error) string {
	kind := "execution failed"
	switch {
	case errors.Is(err, ErrUnknownOpcode):
		kind = ErrUnknownOpcode.Error()
	case errors.Is(err, ErrStackTypeMismatch):
		kind = ErrStackTypeMismatch.Error()
	case errors.Is(err, ErrStackUnderflow):
		kind = ErrStackUnderflow.Error()
	case errors.Is(err, ErrBadOperand):
		kind = ErrBadOperand.Error()
	case errors.Is(err, ErrUnrecoverable):
		kind = ErrUnrecoverable.Error()
	}
	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return fmt.Sprintf("%s: %s", vmErr.Class, kind)
	}
	return kind
}
