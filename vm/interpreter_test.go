package vm

import (
	"errors"
	"strings"
	"testing"
)

// rootWith builds a single-class table whose Root class has the given vars
// and code.
func rootWith(code *Code, vars ...VarDecl) MapTable {
	return NewMapTable(&ClassPrototype{Name: "Root", Vars: vars, Code: code})
}

func TestTickWritesNewThenCommits(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushInt(5)
		b.StoreVar(0)
	}), handleVar("X", "0"), handleVar("Y", "0"))

	p, _ := newTestProject(t, "Root", classes)
	k, x, _ := p.tree.Root().Slot("X")
	if p.mem.ReadOld(k, x).Int() != 0 || p.mem.Read(k, x).Int() != 0 {
		t.Fatal("X should start at 0 in both buffers")
	}

	if _, err := p.walk(RootID); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if got := p.mem.ReadOld(k, x).Int(); got != 0 {
		t.Errorf("before commit X.old = %d, want 0", got)
	}
	if got := p.mem.Read(k, x).Int(); got != 5 {
		t.Errorf("before commit X.new = %d, want 5", got)
	}

	p.tree.propagate(p.mem)
	p.mem.Commit()
	if got := p.mem.ReadOld(k, x).Int(); got != 5 {
		t.Errorf("after commit X.old = %d, want 5", got)
	}
	if !p.mem.InSync() {
		t.Error("buffers should be equal after commit")
	}
}

func TestStepCommitsAndCounts(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		increment(b, 0)
	}), floatVar("N", "0"))

	p, _ := newTestProject(t, "Root", classes)
	for i := 0; i < 3; i++ {
		mustStep(t, p)
		if !p.mem.InSync() {
			t.Fatalf("tick %d: buffers differ after commit", i)
		}
	}
	if got := varOf(t, p, RootID, "N").Float(); got != 3 {
		t.Errorf("N = %v, want 3", got)
	}
	if got := p.Diag().Iterations; got != 3 {
		t.Errorf("Iterations = %d, want 3", got)
	}
}

// pushValue emits the PUSH instruction for v.
func pushValue(b *BytecodeBuilder, v Value) {
	switch v.Kind() {
	case KindFloat:
		b.PushFloat(v.Float())
	case KindInt:
		b.PushInt(v.Int())
	default:
		b.PushString(v.Str())
	}
}

func TestArithmeticAndConversions(t *testing.T) {
	f, i, s := FloatValue, IntValue, StringValue
	tests := []struct {
		name string
		push []Value
		ops  []Opcode
		want Value
	}{
		{"add", []Value{f(2), f(3)}, []Opcode{OpAdd}, f(5)},
		{"sub", []Value{f(2), f(3)}, []Opcode{OpSub}, f(-1)},
		{"mul", []Value{f(2), f(3)}, []Opcode{OpMul}, f(6)},
		{"div", []Value{f(7), f(2)}, []Opcode{OpDiv}, f(3.5)},
		{"div by zero", []Value{f(7), f(0)}, []Opcode{OpDiv}, f(0)},
		{"mod", []Value{f(7), f(3)}, []Opcode{OpMod}, f(1)},
		{"mod by zero", []Value{f(7), f(0)}, []Opcode{OpMod}, f(0)},
		{"neg", []Value{f(4)}, []Opcode{OpNeg}, f(-4)},
		{"eq", []Value{f(2), f(2)}, []Opcode{OpEQ}, f(1)},
		{"ne", []Value{f(2), f(2)}, []Opcode{OpNE}, f(0)},
		{"lt", []Value{f(1), f(2)}, []Opcode{OpLT}, f(1)},
		{"gt", []Value{f(1), f(2)}, []Opcode{OpGT}, f(0)},
		{"le", []Value{f(2), f(2)}, []Opcode{OpLE}, f(1)},
		{"ge", []Value{f(1), f(2)}, []Opcode{OpGE}, f(0)},
		{"not", []Value{f(0)}, []Opcode{OpNot}, f(1)},
		{"and", []Value{f(1), f(0)}, []Opcode{OpAnd}, f(0)},
		{"or", []Value{f(1), f(0)}, []Opcode{OpOr}, f(1)},
		{"ieq", []Value{i(3), i(3)}, []Opcode{OpIEQ}, f(1)},
		{"ine", []Value{i(3), i(3)}, []Opcode{OpINE}, f(0)},
		{"iadd", []Value{i(3), i(4)}, []Opcode{OpIAdd, OpIntToFloat}, f(7)},
		{"isub", []Value{i(3), i(4)}, []Opcode{OpISub, OpIntToFloat}, f(-1)},
		{"iand ior", []Value{i(6), i(3), i(8)}, []Opcode{OpIOr, OpIAnd, OpIntToFloat}, f(2)},
		{"float to int", []Value{f(2.9)}, []Opcode{OpFloatToInt, OpIntToFloat}, f(2)},
		{"string to float", []Value{s(" 12.5")}, []Opcode{OpStringToFloat}, f(12.5)},
		{"bad string to float", []Value{s("x")}, []Opcode{OpStringToFloat}, f(0)},
		{"strlen", []Value{s("ab"), s("вг")}, []Opcode{OpConcat, OpStrLen}, f(4)},
		{"streq", []Value{s("a"), s("a")}, []Opcode{OpStrEQ}, f(1)},
		{"dup pop", []Value{f(8)}, []Opcode{OpDUP, OpPOP}, f(8)},
		{"nop", []Value{f(8)}, []Opcode{OpNOP}, f(8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classes := rootWith(codeOf(func(b *BytecodeBuilder) {
				for _, v := range tt.push {
					pushValue(b, v)
				}
				for _, op := range tt.ops {
					b.Emit(op)
				}
				b.StoreVar(0)
			}), floatVar("R", "-99"))
			p, _ := newTestProject(t, "Root", classes)
			mustStep(t, p)
			if p.State() == StateError {
				t.Fatal("project failed")
			}
			if got := varOf(t, p, RootID, "R"); got != tt.want {
				t.Errorf("R = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFloatToString(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushFloat(2.5)
		b.Emit(OpFloatToString)
		b.StoreVar(0)
	}), stringVar("S", ""))
	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "S").Str(); got != "2.5" {
		t.Errorf("S = %q, want \"2.5\"", got)
	}
}

func TestLoopWithJumps(t *testing.T) {
	// i := 0; while i < 10 { i := i + 1 }
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		top, end := b.NewLabel(), b.NewLabel()
		b.PushFloat(0)
		b.StoreVar(0)
		b.Mark(top)
		b.PushVar(0)
		b.PushFloat(10)
		b.Emit(OpLT)
		b.EmitJump(OpJumpIfFalse, end)
		increment(b, 0)
		b.EmitJump(OpJump, top)
		b.Mark(end)
	}), floatVar("I", ""))

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "I").Float(); got != 10 {
		t.Errorf("I = %v, want 10", got)
	}
}

func TestReturnStopsExecution(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushFloat(1)
		b.StoreVar(0)
		b.Emit(OpReturn)
		b.PushFloat(2)
		b.StoreVar(0)
	}), floatVar("R", ""))

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "R").Float(); got != 1 {
		t.Errorf("R = %v, want 1", got)
	}
}

func TestPushOldAndDefault(t *testing.T) {
	// N := N + 1; O := old N; D := default N
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		increment(b, 0)
		b.EmitUint16(OpPushOld, 0)
		b.StoreVar(1)
		b.EmitUint16(OpPushDefault, 0)
		b.StoreVar(2)
	}), floatVar("N", "10"), floatVar("O", ""), floatVar("D", ""))

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "O").Float(); got != 11 {
		t.Errorf("O = %v, want 11 (committed by the first tick)", got)
	}
	if got := varOf(t, p, RootID, "D").Float(); got != 10 {
		t.Errorf("D = %v, want 10", got)
	}
}

func TestStackTypeMismatchIsFatal(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushString("a")
		b.PushFloat(1)
		b.Emit(OpAdd)
	}))

	p, _ := newTestProject(t, "Root", classes)
	var msgs []string
	p.Subscribe(EventError, func(msg string) { msgs = append(msgs, msg) })

	mustStep(t, p)
	if p.State() != StateError {
		t.Fatalf("state = %s, want error", p.State())
	}
	if len(msgs) != 1 || msgs[0] != "Root: operand type mismatch" {
		t.Errorf("error notifications = %q", msgs)
	}
}

func TestStoreVarKindMismatchIsFatal(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushFloat(1)
		b.StoreVar(0)
	}), stringVar("S", ""))

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	if p.State() != StateError {
		t.Errorf("state = %s, want error", p.State())
	}
}

func TestStackUnderflowIsFatal(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.Emit(OpPOP)
	}))

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	if p.State() != StateError {
		t.Errorf("state = %s, want error", p.State())
	}
}

func TestUnknownOpcodeFailsProjectOnce(t *testing.T) {
	classes := rootWith(&Code{Bytecode: []byte{byte(OpNOP), 0xEE}})

	p, _ := newTestProject(t, "Root", classes)
	if mc := p.Diag().MissingCommands; len(mc) != 1 || mc[0].Name != "UNKNOWN_EE" {
		t.Errorf("MissingCommands = %+v", mc)
	}

	var msgs []string
	p.Subscribe(EventError, func(msg string) { msgs = append(msgs, msg) })

	mustStep(t, p)
	if p.State() != StateError {
		t.Fatalf("state = %s, want error", p.State())
	}
	if len(msgs) != 1 || msgs[0] == "" {
		t.Fatalf("error notifications = %q, want exactly one", msgs)
	}
	if strings.Contains(msgs[0], "0xEE") || strings.Contains(msgs[0], "@") {
		t.Errorf("message leaks internals: %q", msgs[0])
	}

	if err := p.Step(); !errors.Is(err, ErrProjectClosed) {
		t.Errorf("Step after error = %v, want ErrProjectClosed", err)
	}
	if len(msgs) != 1 {
		t.Errorf("error fired %d times", len(msgs))
	}
	if got := p.Diag().Iterations; got != 0 {
		t.Errorf("Iterations = %d, want 0", got)
	}
	if p.Compute() {
		t.Error("Compute should be a no-op in the error state")
	}
}

func TestExecuteReturnsLocatedError(t *testing.T) {
	classes := rootWith(&Code{Bytecode: []byte{byte(OpNOP), byte(OpNOP), 0xEE}})
	p, _ := newTestProject(t, "Root", classes)

	_, err := p.interp.Execute(RootID)
	var vmErr *VMError
	if !errors.As(err, &vmErr) {
		t.Fatalf("err = %v, want *VMError", err)
	}
	if vmErr.Class != "Root" || vmErr.Offset != 2 {
		t.Errorf("VMError = %+v, want Root@2", vmErr)
	}
	var unk *UnknownOpcodeError
	if !errors.As(err, &unk) || unk.Code != 0xEE {
		t.Errorf("err = %v, want UnknownOpcodeError 0xEE", err)
	}
	if p.interp.level != 0 {
		t.Errorf("level = %d after fault, want 0", p.interp.level)
	}
}

func TestSystemCommandIterations(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushFloat(4)
		b.PushFloat(123) // ignored parameter
		b.EmitByte(OpSystem, 1)
		b.StoreVar(0)
		b.PushFloat(99)
		b.EmitByte(OpSystem, 0)
		b.StoreVar(1)
	}), floatVar("It", ""), floatVar("Other", ""))

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	mustStep(t, p)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "It").Float(); got != 2 {
		t.Errorf("It = %v, want 2 (ticks completed before the third)", got)
	}
	if got := varOf(t, p, RootID, "Other").Float(); got != 1 {
		t.Errorf("Other = %v, want 1", got)
	}
}

func TestGetAsyncKeyStateReadsProjectKeys(t *testing.T) {
	classes := rootWith(codeOf(func(b *BytecodeBuilder) {
		b.PushFloat(65)
		b.Emit(OpGetAsyncKeyState)
		b.StoreVar(0)
	}), floatVar("K", ""))

	keys := NewKeyState()
	p, _ := newTestProject(t, "Root", classes, WithKeys(keys))
	mustStep(t, p)
	if got := varOf(t, p, RootID, "K").Float(); got != 0 {
		t.Errorf("K = %v before press, want 0", got)
	}
	keys.Press(65)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "K").Float(); got != 1 {
		t.Errorf("K = %v after press, want 1", got)
	}
	keys.Release(65)
	mustStep(t, p)
	if got := varOf(t, p, RootID, "K").Float(); got != 0 {
		t.Errorf("K = %v after release, want 0", got)
	}
}

func TestDirectoryInstructions(t *testing.T) {
	classes := NewMapTable(
		&ClassPrototype{
			Name: "Root",
			Vars: []VarDecl{stringVar("P", ""), stringVar("C", ""), stringVar("M", "")},
			Code: codeOf(func(b *BytecodeBuilder) {
				b.Emit(OpGetProjectDir)
				b.Emit(OpAddSlash)
				b.StoreVar(0)
				b.PushString("Lib")
				b.Emit(OpGetClassDir)
				b.StoreVar(1)
				b.PushString("Nope")
				b.Emit(OpGetClassDir)
				b.StoreVar(2)
			}),
		},
		&ClassPrototype{Name: "Lib", Dir: `C:\lib\`},
	)

	p, _ := newTestProject(t, "Root", classes, WithDir(`C:\game`))
	mustStep(t, p)
	if got := varOf(t, p, RootID, "P").Str(); got != `C:\game\` {
		t.Errorf("P = %q", got)
	}
	if got := varOf(t, p, RootID, "C").Str(); got != `C:\lib\` {
		t.Errorf("C = %q", got)
	}
	if got := varOf(t, p, RootID, "M").Str(); got != "" {
		t.Errorf("M = %q, want empty", got)
	}
}

func TestSendMessageRunsTargetsNow(t *testing.T) {
	classes := NewMapTable(
		&ClassPrototype{
			Name:     "Root",
			Children: []ChildDecl{{ClassName: "Worker", Handle: 1}, {ClassName: "Worker", Handle: 2}},
			Code: codeOf(func(b *BytecodeBuilder) {
				b.PushString("worker")
				b.Emit(OpSendMessage)
			}),
		},
		&ClassPrototype{
			Name: "Worker",
			Vars: []VarDecl{floatVar("N", "")},
			Code: codeOf(func(b *BytecodeBuilder) { increment(b, 0) }),
		},
	)

	p, _ := newTestProject(t, "Root", classes)
	mustStep(t, p)
	for _, id := range p.InstancesOf("Worker") {
		if got := varOf(t, p, id, "N").Float(); got != 2 {
			t.Errorf("worker %d N = %v, want 2 (tree walk + message)", id, got)
		}
	}
}

func TestReentrancyCeilingStopsMutualRecursion(t *testing.T) {
	ping := func(target string) *Code {
		return codeOf(func(b *BytecodeBuilder) {
			increment(b, 0)
			b.PushString(target)
			b.Emit(OpSendMessage)
		})
	}
	classes := NewMapTable(
		&ClassPrototype{Name: "Root", Children: []ChildDecl{{ClassName: "A", Handle: 1}, {ClassName: "B", Handle: 2}}},
		&ClassPrototype{Name: "A", Vars: []VarDecl{floatVar("N", "")}, Code: ping("B")},
		&ClassPrototype{Name: "B", Vars: []VarDecl{floatVar("N", "")}, Code: ping("A")},
	)

	p, _ := newTestProject(t, "Root", classes)
	a, _ := p.tree.Find(1)
	b, _ := p.tree.Find(2)

	mustStep(t, p)
	if p.State() == StateError {
		t.Fatal("recursion must not fail the project")
	}
	// Each chain runs 59 nested executions before the 60th is denied.
	if got := varOf(t, p, a, "N").Float(); got != 59 {
		t.Errorf("A.N = %v, want 59", got)
	}
	if got := varOf(t, p, b, "N").Float(); got != 59 {
		t.Errorf("B.N = %v, want 59", got)
	}
	if got := p.Diag().ReentrancyDenied; got != 2 {
		t.Errorf("ReentrancyDenied = %d, want 2", got)
	}
	if p.interp.level != 0 {
		t.Errorf("level = %d after tick, want 0", p.interp.level)
	}

	mustStep(t, p)
	if got := varOf(t, p, a, "N").Float(); got != 118 {
		t.Errorf("A.N after second tick = %v, want 118", got)
	}
	if got := p.Diag().Iterations; got != 2 {
		t.Errorf("Iterations = %d, want 2", got)
	}
}

func TestMaxDepthOption(t *testing.T) {
	classes := NewMapTable(&ClassPrototype{
		Name: "Root",
		Vars: []VarDecl{floatVar("N", "")},
		Code: codeOf(func(b *BytecodeBuilder) {
			increment(b, 0)
			b.PushString("Root")
			b.Emit(OpSendMessage)
		}),
	})

	p, _ := newTestProject(t, "Root", classes, WithMaxDepth(5))
	mustStep(t, p)
	if got := varOf(t, p, RootID, "N").Float(); got != 5 {
		t.Errorf("N = %v, want 5", got)
	}
}
