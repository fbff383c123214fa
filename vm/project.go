package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// States and events
// ---------------------------------------------------------------------------

// State is the lifecycle state of a project.
type State int

const (
	StateReady State = iota
	StatePlaying
	StatePaused
	StateClosed
	StateError
)

var stateNames = [...]string{
	StateReady:   "ready",
	StatePlaying: "playing",
	StatePaused:  "paused",
	StateClosed:  "closed",
	StateError:   "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further ticks can happen.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Event names a project notification.
type Event string

const (
	EventClosed Event = "closed" // no payload
	EventError  Event = "error"  // payload is a diagnostic message
)

// notification is an event queued under the lock and delivered after it is
// released, together with the subscribers registered at queue time.
// release, if set, runs before the subscribers.
type notification struct {
	ev      Event
	msg     string
	fns     []func(string)
	release func()
}

// Diag holds aggregate diagnostics of a project.
type Diag struct {
	Iterations       uint64
	MissingCommands  []MissingCommand
	ReentrancyDenied uint64
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

type projectConfig struct {
	host     Host
	executor Executor
	varSet   *VarSet
	strict   bool
	dir      string
	keys     *KeyState
	maxDepth int
}

// Option configures a Project.
type Option func(*projectConfig)

// WithHost sets the hyper-call host.
func WithHost(h Host) Option {
	return func(c *projectConfig) { c.host = h }
}

// WithExecutor sets the initial executor. The default is a 60 Hz
// SmoothExecutor.
func WithExecutor(e Executor) Option {
	return func(c *projectConfig) { c.executor = e }
}

// WithVarSet applies persisted variable values after defaults.
func WithVarSet(vs *VarSet) Option {
	return func(c *projectConfig) { c.varSet = vs }
}

// WithStrict makes missing child prototypes fatal.
func WithStrict(strict bool) Option {
	return func(c *projectConfig) { c.strict = strict }
}

// WithDir sets the project directory reported to code and hosts.
func WithDir(dir string) Option {
	return func(c *projectConfig) { c.dir = dir }
}

// WithKeys shares a key-state table with the project.
func WithKeys(k *KeyState) Option {
	return func(c *projectConfig) { c.keys = k }
}

// WithMaxDepth overrides the reentrancy ceiling.
func WithMaxDepth(n int) Option {
	return func(c *projectConfig) { c.maxDepth = n }
}

// ---------------------------------------------------------------------------
// Project
// ---------------------------------------------------------------------------

var lastProjectID atomic.Uint64

// Project owns an instance tree and its memory and runs ticks over them.
// All methods are safe for concurrent use; ticks are serialized.
type Project struct {
	mu sync.Mutex

	id      ProjectID
	root    string
	dir     string
	classes PrototypeTable
	tree    *Tree
	mem     *Memory
	interp  *Interpreter
	host    Host
	keys    *KeyState

	state      State
	closing    bool // CLOSE_ALL seen; close after the tick
	waiting    bool // a hyper-call is outstanding
	pending    *pendingCall
	delivered  map[callKey]Value // replies kept until a tick completes
	reached    map[callSite]int  // per-tick occurrence counters
	iterations uint64

	executor Executor
	runGen   uint64 // bumped whenever the executor loop must not tick again

	subs    map[Event]map[int]func(string)
	nextSub int
	queued  []notification
}

// NewProject builds the instance tree for root from classes. It fails with
// a *PrototypeNotFoundError when root (or, in strict mode, any child class)
// is missing. No code runs until Play or Step.
func NewProject(root string, classes PrototypeTable, opts ...Option) (*Project, error) {
	cfg := projectConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	tree, mem, err := BuildTree(root, classes, BuildOptions{Strict: cfg.strict, VarSet: cfg.varSet})
	if err != nil {
		return nil, err
	}

	p := &Project{
		id:        ProjectID(lastProjectID.Add(1)),
		root:      root,
		dir:       cfg.dir,
		classes:   classes,
		tree:      tree,
		mem:       mem,
		host:      cfg.host,
		keys:      cfg.keys,
		executor:  cfg.executor,
		delivered: make(map[callKey]Value),
		reached:   make(map[callSite]int),
		subs:      make(map[Event]map[int]func(string)),
	}
	if p.host == nil {
		p.host = noHost{}
	}
	if p.keys == nil {
		p.keys = NewKeyState()
	}
	if p.executor == nil {
		p.executor = NewSmoothExecutor(DefaultFPS)
	}
	p.interp = newInterpreter(p, cfg.maxDepth)

	for _, mc := range tree.MissingCommands() {
		log.Warningf("%s: unresolved %s (referenced by %v)", root, mc.Name, mc.ClassNames)
	}
	return p, nil
}

// Play starts scheduler-driven ticking. target names the host window the
// project should attach to and is passed to hosts implementing Attacher.
// Play on a paused project behaves like Continue.
func (p *Project) Play(target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateClosed, StateError:
		return ErrProjectClosed
	case StatePlaying:
		return nil
	case StateReady:
		if a, ok := p.host.(Attacher); ok {
			if err := a.Attach(p.id, target); err != nil {
				return err
			}
		}
	}
	log.Infof("%s: playing", p.root)
	p.state = StatePlaying
	p.startLocked()
	return nil
}

// Pause stops scheduler-driven ticking. The tree and memory stay intact and
// an outstanding hyper-call is not cancelled.
func (p *Project) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return
	}
	log.Infof("%s: paused", p.root)
	p.state = StatePaused
	p.stopLocked()
}

// Continue resumes scheduler-driven ticking after Pause.
func (p *Project) Continue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return
	}
	log.Infof("%s: continued", p.root)
	p.state = StatePlaying
	p.startLocked()
}

// Step runs exactly one tick without changing the playing/paused state. It
// does nothing while a hyper-call is outstanding and returns
// ErrProjectClosed once the project is closed or failed.
func (p *Project) Step() error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return ErrProjectClosed
	}
	p.tickLocked()
	queued := p.takeQueuedLocked()
	p.mu.Unlock()

	p.notify(queued)
	return nil
}

// Compute runs one tick if the project is playing and reports whether it
// is still playing afterwards. It is the callback executors drive; custom
// schedulers may call it directly.
func (p *Project) Compute() bool {
	p.mu.Lock()
	return p.computeLocked(p.runGen)
}

// compute is the callback of one executor run. Runs started before the
// last pause, continue or executor swap see a stale generation and stop.
func (p *Project) compute(gen uint64) bool {
	p.mu.Lock()
	return p.computeLocked(gen)
}

// computeLocked expects p.mu held and releases it.
func (p *Project) computeLocked(gen uint64) bool {
	if gen != p.runGen || p.state != StatePlaying {
		p.mu.Unlock()
		return false
	}
	p.tickLocked()
	playing := p.state == StatePlaying
	queued := p.takeQueuedLocked()
	p.mu.Unlock()

	p.notify(queued)
	return playing
}

// Close stops the project from any state and fires EventClosed once.
// A reply to an outstanding hyper-call is ignored.
func (p *Project) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.closeLocked()
	queued := p.takeQueuedLocked()
	p.mu.Unlock()

	p.notify(queued)
}

// SetExecutor swaps the scheduler. A playing project keeps playing on the
// new executor without losing state.
func (p *Project) SetExecutor(e Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePlaying {
		p.stopLocked()
		p.executor = e
		p.startLocked()
		return
	}
	p.executor = e
}

// Subscribe registers fn for ev and returns a function that removes it.
// Callbacks run outside the project lock and may call back into the
// project.
func (p *Project) Subscribe(ev Event, fn func(msg string)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[ev] == nil {
		p.subs[ev] = make(map[int]func(string))
	}
	id := p.nextSub
	p.nextSub++
	p.subs[ev][id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs[ev], id)
		p.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State returns the current lifecycle state.
func (p *Project) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Waiting reports whether a hyper-call is outstanding.
func (p *Project) Waiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

// Diag returns a copy of the diagnostics.
func (p *Project) Diag() Diag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Diag{
		Iterations:       p.iterations,
		MissingCommands:  p.tree.MissingCommands(),
		ReentrancyDenied: p.interp.Denied(),
	}
}

// ID returns the identifier hosts see in HyperContext.Project.
func (p *Project) ID() ProjectID {
	return p.id
}

// Root returns the root class name.
func (p *Project) Root() string {
	return p.root
}

// Dir returns the project directory.
func (p *Project) Dir() string {
	return p.dir
}

// Keys returns the key-state table read by GET_ASYNC_KEY_STATE.
func (p *Project) Keys() *KeyState {
	return p.keys
}

// Tree returns the instance tree. Its structure is fixed after
// construction.
func (p *Project) Tree() *Tree {
	return p.tree
}

// InstancesOf returns every instance of a class.
func (p *Project) InstancesOf(className string) []InstanceID {
	return p.tree.InstancesOf(className)
}

// HasClass reports whether the prototype table knows className, whether or
// not the tree instantiates it. Use InstancesOf for the tree.
func (p *Project) HasClass(className string) bool {
	_, ok := p.classes.Prototype(className)
	return ok
}

// Var returns the new value of a variable of an instance.
func (p *Project) Var(id InstanceID, name string) (Value, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < 0 || int(id) >= p.tree.Len() {
		return Value{}, false
	}
	k, idx, ok := p.tree.Instance(id).Slot(name)
	if !ok {
		return Value{}, false
	}
	return p.mem.Read(k, idx), true
}

// SetVar writes the new value of a variable; the value is committed by the
// next tick. The value must be of the variable's kind.
func (p *Project) SetVar(id InstanceID, name string, v Value) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < 0 || int(id) >= p.tree.Len() || p.state.Terminal() {
		return false
	}
	k, idx, ok := p.tree.Instance(id).Slot(name)
	if !ok || k != v.Kind() {
		return false
	}
	p.mem.Write(k, idx, v)
	return true
}

// Snapshot returns the committed variable values of the whole tree.
func (p *Project) Snapshot() *VarSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.snapshot(RootID, p.mem)
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// tickLocked runs one tick: collect a hyper-call reply, walk the tree
// children first, propagate links, commit.
func (p *Project) tickLocked() {
	p.pollHyperLocked()
	if p.state.Terminal() || p.waiting {
		return
	}

	clear(p.reached)
	yielded, err := p.walk(RootID)
	if err != nil {
		p.failLocked(err)
		return
	}

	p.tree.propagate(p.mem)
	p.mem.Commit()
	p.iterations++

	if !yielded {
		clear(p.delivered)
	}
	if p.closing {
		p.closeLocked()
	}
}

// walk executes the subtree at id in post-order: children in declaration
// order, then the instance itself. It stops at the first yield or error.
// A positive _disable variable skips the instance and its subtree.
func (p *Project) walk(id InstanceID) (bool, error) {
	inst := p.tree.Instance(id)
	if inst.disable >= 0 {
		s := inst.slots[inst.disable]
		if p.mem.Read(s.kind, s.index).Float() > 0 {
			return false, nil
		}
	}
	for _, child := range inst.Children {
		yielded, err := p.walk(child)
		if err != nil || yielded {
			return yielded, err
		}
	}
	res, err := p.interp.Execute(id)
	return res == execYield, err
}

// systemCommand implements the SYSTEM instruction.
func (p *Project) systemCommand(cmd int) float64 {
	switch cmd {
	case 4:
		return float64(p.iterations)
	default:
		return 1
	}
}

// ---------------------------------------------------------------------------
// Transitions (p.mu held)
// ---------------------------------------------------------------------------

func (p *Project) startLocked() {
	p.runGen++
	gen := p.runGen
	p.executor.Run(func() bool { return p.compute(gen) })
}

func (p *Project) stopLocked() {
	p.runGen++
	p.executor.Stop()
}

func (p *Project) failLocked(err error) {
	log.Errorf("%s: %v", p.root, err)
	p.state = StateError
	p.stopLocked()
	p.queued = append(p.queued, notification{ev: EventError, msg: userMessage(err)})
}

func (p *Project) closeLocked() {
	log.Infof("%s: closed after %d iterations", p.root, p.iterations)
	p.state = StateClosed
	p.closing = false
	p.stopLocked()
	p.pending = nil
	p.waiting = false
	clear(p.delivered)
	n := notification{ev: EventClosed}
	if r, ok := p.host.(Releaser); ok {
		id := p.id
		n.release = func() { r.Release(id) }
	}
	p.queued = append(p.queued, n)
}

func (p *Project) takeQueuedLocked() []notification {
	if len(p.queued) == 0 {
		return nil
	}
	q := p.queued
	p.queued = nil
	for i := range q {
		fns := make([]func(string), 0, len(p.subs[q[i].ev]))
		for _, fn := range p.subs[q[i].ev] {
			fns = append(fns, fn)
		}
		q[i].fns = fns
	}
	return q
}

func (p *Project) notify(queued []notification) {
	for _, n := range queued {
		if n.release != nil {
			n.release()
		}
		for _, fn := range n.fns {
			fn(n.msg)
		}
	}
}
