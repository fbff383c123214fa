package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Hyper-call operations
// ---------------------------------------------------------------------------

// HyperOp identifies an operation delegated to the host.
type HyperOp uint8

const (
	HyperScreenWidth HyperOp = iota + 1
	HyperScreenHeight
	HyperOpenSchemeWindow
	HyperLoadSpaceWindow
	HyperCreateWindowEx
	HyperCreateDir
	HyperFileExist
	HyperCreateStream
	HyperCloseWindow
)

// hyperSignature describes how an opcode maps to a host operation: the
// kinds of the arguments in push order and the kind of the result.
type hyperSignature struct {
	op     HyperOp
	name   string
	args   []Kind
	result Kind
}

// window name, parent window, source, x, y, width, height, attributes
var createWindowExArgs = []Kind{KindString, KindString, KindString, KindFloat, KindFloat, KindFloat, KindFloat, KindString}

var hyperSignatures = map[Opcode]hyperSignature{
	OpGetScreenWidth:   {HyperScreenWidth, "GetScreenWidth", nil, KindFloat},
	OpGetScreenHeight:  {HyperScreenHeight, "GetScreenHeight", nil, KindFloat},
	OpOpenSchemeWindow: {HyperOpenSchemeWindow, "OpenSchemeWindow", []Kind{KindString, KindString, KindString}, KindInt},
	OpLoadSpaceWindow:  {HyperLoadSpaceWindow, "LoadSpaceWindow", []Kind{KindString, KindString, KindString}, KindInt},
	OpCreateWindowEx:   {HyperCreateWindowEx, "CreateWindowEx", createWindowExArgs, KindInt},
	OpCreateDir:        {HyperCreateDir, "CreateDir", []Kind{KindString}, KindFloat},
	OpFileExist:        {HyperFileExist, "FileExist", []Kind{KindString}, KindFloat},
	OpCreateStream:     {HyperCreateStream, "CreateStream", []Kind{KindString, KindString, KindString}, KindInt},
	OpCloseWindow:      {HyperCloseWindow, "CloseWindow", []Kind{KindString}, KindFloat},
}

var hyperOpNames = func() map[HyperOp]string {
	m := make(map[HyperOp]string, len(hyperSignatures))
	for _, sig := range hyperSignatures {
		m[sig.op] = sig.name
	}
	return m
}()

func (op HyperOp) String() string {
	if name, ok := hyperOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("HyperOp(%d)", uint8(op))
}

// ---------------------------------------------------------------------------
// Host boundary
// ---------------------------------------------------------------------------

// HyperCall is one request from interpreted code. Args are in push order.
type HyperCall struct {
	Op   HyperOp
	Args []Value
}

// Arg returns argument i, or the zero float when absent.
func (c HyperCall) Arg(i int) Value {
	if i < 0 || i >= len(c.Args) {
		return Value{}
	}
	return c.Args[i]
}

// ProjectID distinguishes the projects sharing one host.
type ProjectID uint64

// HyperContext identifies who issued a hyper-call.
type HyperContext struct {
	Project    ProjectID
	ProjectDir string
	ClassName  string
	Instance   InstanceID
	Classes    PrototypeTable
}

// HyperReply is the eventual outcome of a pending hyper-call.
type HyperReply struct {
	Value Value
	Err   error
}

// HyperResult is what a host returns for a hyper-call: a value available
// now, a failure, or a channel the reply will arrive on.
type HyperResult struct {
	value   Value
	err     error
	pending <-chan HyperReply
}

// Ready returns an immediate result.
func Ready(v Value) HyperResult {
	return HyperResult{value: v}
}

// Failed returns an immediate failure. The caller receives the zero value
// of the result kind unless err wraps ErrUnrecoverable.
func Failed(err error) HyperResult {
	if err == nil {
		err = errors.New("failed")
	}
	return HyperResult{err: err}
}

// Pending returns a result that will be delivered on ch. The host must
// send exactly one reply or close the channel.
func Pending(ch <-chan HyperReply) HyperResult {
	return HyperResult{pending: ch}
}

// IsPending reports whether the result is still outstanding.
func (r HyperResult) IsPending() bool {
	return r.pending != nil
}

// Reply returns the channel of a pending result, nil otherwise.
func (r HyperResult) Reply() <-chan HyperReply {
	return r.pending
}

// Err returns the failure of an immediate result.
func (r HyperResult) Err() error {
	return r.err
}

// Value returns the value of an immediate result.
func (r HyperResult) Value() Value {
	return r.value
}

// Host performs hyper-calls on behalf of a project. HyperCall is invoked
// with the project lock held and must not block; slow work belongs behind
// a Pending result.
type Host interface {
	HyperCall(ctx HyperContext, call HyperCall) HyperResult
}

// Attacher is implemented by hosts that bind a project to a window target
// when it starts playing.
type Attacher interface {
	Attach(project ProjectID, target string) error
}

// Releaser is implemented by hosts that hold resources on behalf of a
// project until it closes. Release runs without the project lock held and
// must not wait for outstanding operations; their replies are ignored.
type Releaser interface {
	Release(project ProjectID)
}

// noHost fails every call. It backs projects built without WithHost.
type noHost struct{}

var errNoHost = errors.New("no host attached")

func (noHost) HyperCall(HyperContext, HyperCall) HyperResult {
	return Failed(errNoHost)
}

// ---------------------------------------------------------------------------
// Pending call bookkeeping
// ---------------------------------------------------------------------------

// callSite identifies the instruction that issued a hyper-call.
type callSite struct {
	inst   InstanceID
	offset int
}

// callKey identifies one hyper-call of a tick: the n-th time the tick
// reached a call site. Loops and SEND_MESSAGE reach a site more than once,
// and each occurrence gets its own reply.
type callKey struct {
	site callSite
	n    int
}

// pendingCall is the single outstanding asynchronous hyper-call of a
// project.
type pendingCall struct {
	key  callKey
	op   HyperOp
	kind Kind
	ch   <-chan HyperReply
}

// hyperCall dispatches an instruction to the host. It returns the value to
// push and whether the instance must yield because the reply is not yet
// available. Occurrences already answered by an earlier yielding tick are
// replayed from p.delivered without calling the host. Called by the
// interpreter with the project lock held.
func (p *Project) hyperCall(site callSite, sig hyperSignature, args []Value) (Value, bool) {
	key := callKey{site: site, n: p.reached[site]}
	p.reached[site]++
	if v, ok := p.delivered[key]; ok {
		return v, false
	}
	if p.pending != nil {
		return Zero(sig.result), true
	}

	inst := p.tree.Instance(site.inst)
	ctx := HyperContext{
		Project:    p.id,
		ProjectDir: p.dir,
		ClassName:  inst.Proto.Name,
		Instance:   site.inst,
		Classes:    p.classes,
	}
	res := p.host.HyperCall(ctx, HyperCall{Op: sig.op, Args: args})
	switch {
	case res.IsPending():
		p.pending = &pendingCall{key: key, op: sig.op, kind: sig.result, ch: res.pending}
		p.waiting = true
		log.Debugf("%s: %s pending", inst.Proto.Name, sig.op)
		return Zero(sig.result), true
	case res.err != nil:
		herr := &HyperCallError{Op: sig.op, Err: res.err}
		if errors.Is(res.err, ErrUnrecoverable) {
			fault(herr)
		}
		log.Warningf("%s: %v", inst.Proto.Name, herr)
		return Zero(sig.result), false
	case res.value.Kind() != sig.result:
		log.Warningf("%s: %s returned %s, want %s", inst.Proto.Name, sig.op, res.value.Kind(), sig.result)
		return Zero(sig.result), false
	}
	return res.value, false
}

// pollHyperLocked collects the reply of the outstanding hyper-call if it
// has arrived. The value is kept for the issuing occurrence until a tick
// completes without yielding.
func (p *Project) pollHyperLocked() {
	pc := p.pending
	if pc == nil {
		return
	}
	var reply HyperReply
	select {
	case r, ok := <-pc.ch:
		if !ok {
			r = HyperReply{Err: errors.New("reply channel closed")}
		}
		reply = r
	default:
		return
	}
	p.pending = nil
	p.waiting = false

	v := reply.Value
	if reply.Err != nil {
		herr := &HyperCallError{Op: pc.op, Err: reply.Err}
		if errors.Is(reply.Err, ErrUnrecoverable) {
			site := pc.key.site
			p.failLocked(&VMError{Class: p.tree.Instance(site.inst).Proto.Name, Offset: site.offset, Err: herr})
			return
		}
		log.Warningf("%v", herr)
		v = Zero(pc.kind)
	} else if v.Kind() != pc.kind {
		log.Warningf("%s replied with %s, want %s", pc.op, v.Kind(), pc.kind)
		v = Zero(pc.kind)
	}
	p.delivered[pc.key] = v
}
