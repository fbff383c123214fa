package library

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/khokm/stratum-player/vm"
)

// AsmError reports a problem on one line of assembler source.
type AsmError struct {
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Assemble translates textual class code into bytecode. Each line holds one
// instruction (a mnemonic and at most one operand), a label definition
// ("name:"), or nothing. Text after ';' is a comment.
//
// Operands are written as:
//
//	PUSH_FLOAT 1.5         float literal
//	PUSH_INT -3            integer literal
//	PUSH_STRING "text"     Go-quoted string
//	PUSH_VAR X             variable name from vars, or #index
//	JMP loop               label
//	SYSTEM 4               byte
func Assemble(src string, vars []vm.VarDecl) (*vm.Code, error) {
	a := &assembler{
		b:      vm.NewBytecodeBuilder(),
		vars:   vars,
		labels: make(map[string]*asmLabel),
	}
	sc := bufio.NewScanner(strings.NewReader(src))
	line := 0
	for sc.Scan() {
		line++
		if err := a.line(line, sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for name, l := range a.labels {
		if !l.marked {
			return nil, &AsmError{Line: l.firstUse, Msg: fmt.Sprintf("undefined label %q", name)}
		}
	}
	return a.b.Build(), nil
}

type asmLabel struct {
	label    *vm.Label
	marked   bool
	firstUse int
}

type assembler struct {
	b      *vm.BytecodeBuilder
	vars   []vm.VarDecl
	labels map[string]*asmLabel
}

func (a *assembler) label(name string, line int) *asmLabel {
	l, ok := a.labels[name]
	if !ok {
		l = &asmLabel{label: a.b.NewLabel(), firstUse: line}
		a.labels[name] = l
	}
	return l
}

func (a *assembler) line(n int, text string) error {
	if i := commentStart(text); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if name, ok := strings.CutSuffix(text, ":"); ok && !strings.ContainsAny(name, " \t\"") {
		l := a.label(name, n)
		if l.marked {
			return &AsmError{Line: n, Msg: fmt.Sprintf("label %q defined twice", name)}
		}
		l.marked = true
		a.b.Mark(l.label)
		return nil
	}

	mnemonic, operand, _ := strings.Cut(text, " ")
	operand = strings.TrimSpace(operand)
	op, ok := vm.LookupOpcode(mnemonic)
	if !ok {
		return &AsmError{Line: n, Msg: fmt.Sprintf("unknown mnemonic %q", mnemonic)}
	}
	kind := op.Info().Operand
	if kind == vm.OperandNone {
		if operand != "" {
			return &AsmError{Line: n, Msg: fmt.Sprintf("%s takes no operand", op.Name())}
		}
		a.b.Emit(op)
		return nil
	}
	if operand == "" {
		return &AsmError{Line: n, Msg: fmt.Sprintf("%s needs an operand", op.Name())}
	}

	switch kind {
	case vm.OperandFloat64:
		f, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return &AsmError{Line: n, Msg: fmt.Sprintf("bad float %q", operand)}
		}
		a.b.EmitFloat64(op, f)
	case vm.OperandInt32:
		i, err := strconv.ParseInt(operand, 0, 32)
		if err != nil {
			return &AsmError{Line: n, Msg: fmt.Sprintf("bad integer %q", operand)}
		}
		a.b.EmitInt32(op, int32(i))
	case vm.OperandString:
		s, err := strconv.Unquote(operand)
		if err != nil {
			return &AsmError{Line: n, Msg: fmt.Sprintf("bad string %s", operand)}
		}
		a.b.EmitUint16(op, a.b.Intern(s))
	case vm.OperandVar:
		idx, err := a.varIndex(operand)
		if err != nil {
			return &AsmError{Line: n, Msg: err.Error()}
		}
		a.b.EmitUint16(op, uint16(idx))
	case vm.OperandJump:
		a.b.EmitJump(op, a.label(operand, n).label)
	case vm.OperandByte:
		v, err := strconv.ParseUint(operand, 0, 8)
		if err != nil {
			return &AsmError{Line: n, Msg: fmt.Sprintf("bad byte %q", operand)}
		}
		a.b.EmitByte(op, byte(v))
	}
	return nil
}

func (a *assembler) varIndex(operand string) (int, error) {
	if rest, ok := strings.CutPrefix(operand, "#"); ok {
		idx, err := strconv.ParseUint(rest, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("bad variable index %q", operand)
		}
		return int(idx), nil
	}
	for i, v := range a.vars {
		if strings.EqualFold(v.Name, operand) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown variable %q", operand)
}

// commentStart returns the index of the ';' that starts a comment, skipping
// any inside a quoted string.
func commentStart(s string) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		case ';':
			if !quoted {
				return i
			}
		}
	}
	return -1
}
