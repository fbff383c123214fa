package vm

import (
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Shared test helpers
// ---------------------------------------------------------------------------

func floatVar(name, def string) VarDecl {
	return VarDecl{Name: name, Type: TypeFloat, Default: def}
}

func handleVar(name, def string) VarDecl {
	return VarDecl{Name: name, Type: TypeHandle, Default: def}
}

func stringVar(name, def string) VarDecl {
	return VarDecl{Name: name, Type: TypeString, Default: def}
}

// codeOf builds class code with a BytecodeBuilder.
func codeOf(build func(b *BytecodeBuilder)) *Code {
	b := NewBytecodeBuilder()
	build(b)
	return b.Build()
}

// increment emits var += 1 for a float variable.
func increment(b *BytecodeBuilder, index int) {
	b.PushVar(index)
	b.PushFloat(1)
	b.Emit(OpAdd)
	b.StoreVar(index)
}

// newTestProject builds a project driven by a manualExecutor.
func newTestProject(t *testing.T, root string, classes PrototypeTable, opts ...Option) (*Project, *manualExecutor) {
	t.Helper()
	ex := &manualExecutor{}
	p, err := NewProject(root, classes, append([]Option{WithExecutor(ex)}, opts...)...)
	if err != nil {
		t.Fatalf("NewProject(%q): %v", root, err)
	}
	return p, ex
}

func mustStep(t *testing.T, p *Project) {
	t.Helper()
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
}

func varOf(t *testing.T, p *Project, id InstanceID, name string) Value {
	t.Helper()
	v, ok := p.Var(id, name)
	if !ok {
		t.Fatalf("no variable %s on instance %d", name, id)
	}
	return v
}

func committedOf(t *testing.T, p *Project, id InstanceID, name string) Value {
	t.Helper()
	k, idx, ok := p.tree.Instance(id).Slot(name)
	if !ok {
		t.Fatalf("no variable %s on instance %d", name, id)
	}
	return p.mem.ReadOld(k, idx)
}

// manualExecutor lets a test drive the scheduler callback by hand.
type manualExecutor struct {
	mu   sync.Mutex
	cb   func() bool
	runs []func() bool
}

func (e *manualExecutor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb != nil
}

func (e *manualExecutor) Run(cb func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
	e.runs = append(e.runs, cb)
}

func (e *manualExecutor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = nil
}

// fire invokes the current callback once, as one scheduler frame.
func (e *manualExecutor) fire() bool {
	e.mu.Lock()
	cb := e.cb
	run := len(e.runs)
	e.mu.Unlock()
	if cb == nil {
		return false
	}
	ok := cb()
	if !ok {
		e.mu.Lock()
		if len(e.runs) == run {
			e.cb = nil
		}
		e.mu.Unlock()
	}
	return ok
}

// funcHost answers hyper-calls with a function and records them.
type funcHost struct {
	mu    sync.Mutex
	fn    func(ctx HyperContext, call HyperCall) HyperResult
	calls []HyperCall
	ctxs  []HyperContext
}

func (h *funcHost) HyperCall(ctx HyperContext, call HyperCall) HyperResult {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.ctxs = append(h.ctxs, ctx)
	h.mu.Unlock()
	return h.fn(ctx, call)
}

func (h *funcHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}
