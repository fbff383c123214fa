package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Instance tree (arena)
// ---------------------------------------------------------------------------

// InstanceID addresses an instance inside its Tree.
type InstanceID int

// RootID is the ID of every tree's root instance.
const RootID InstanceID = 0

// slot locates one class variable in Memory.
type slot struct {
	kind  Kind
	index int
}

// Instance is one node of the running tree. Instances live in the Tree's
// arena and refer to each other by ID; the root's parent is itself.
type Instance struct {
	ID       InstanceID
	Parent   InstanceID
	Children []InstanceID
	Proto    *ClassPrototype
	Handle   int    // handle inside the parent's scheme (0 for the root)
	Name     string // name inside the parent's scheme

	slots   []slot // parallel to Proto.Vars
	disable int    // index of the _disable variable, or -1
}

// ClassName returns the prototype name.
func (in *Instance) ClassName() string {
	return in.Proto.Name
}

// Slot returns the kind and memory index of the named variable.
func (in *Instance) Slot(name string) (Kind, int, bool) {
	i := in.Proto.VarIndex(name)
	if i < 0 {
		return 0, 0, false
	}
	s := in.slots[i]
	return s.kind, s.index, true
}

// link is a resolved, directional forwarding rule between two slots.
type link struct {
	kind     Kind
	src, dst int
}

// Tree is the arena of instances built from a root prototype.
type Tree struct {
	instances []Instance
	links     []link
	missing   map[string]map[string]struct{} // reference name -> referencing classes
}

// Instance returns the instance with the given ID.
func (t *Tree) Instance(id InstanceID) *Instance {
	return &t.instances[id]
}

// Root returns the root instance.
func (t *Tree) Root() *Instance {
	return &t.instances[RootID]
}

// Len returns the number of instances.
func (t *Tree) Len() int {
	return len(t.instances)
}

// LinkCount returns the number of resolved variable links.
func (t *Tree) LinkCount() int {
	return len(t.links)
}

// Child returns the direct child of id with the given scheme handle.
func (t *Tree) Child(id InstanceID, handle int) (InstanceID, bool) {
	for _, c := range t.instances[id].Children {
		if t.instances[c].Handle == handle {
			return c, true
		}
	}
	return 0, false
}

// Find resolves a path of child handles starting at the root.
func (t *Tree) Find(handles ...int) (InstanceID, bool) {
	id := RootID
	for _, h := range handles {
		next, ok := t.Child(id, h)
		if !ok {
			return 0, false
		}
		id = next
	}
	return id, true
}

// InstancesOf returns every instance of the named class in depth-first
// pre-order.
func (t *Tree) InstancesOf(className string) []InstanceID {
	var ids []InstanceID
	for i := range t.instances {
		if strings.EqualFold(t.instances[i].Proto.Name, className) {
			ids = append(ids, InstanceID(i))
		}
	}
	return ids
}

// MissingCommand reports one unresolved name and the classes that refer to
// it.
type MissingCommand struct {
	Name       string
	ClassNames []string
}

// MissingCommands returns unresolved references collected at build time,
// sorted by name.
func (t *Tree) MissingCommands() []MissingCommand {
	out := make([]MissingCommand, 0, len(t.missing))
	for name, classes := range t.missing {
		mc := MissingCommand{Name: name}
		for c := range classes {
			mc.ClassNames = append(mc.ClassNames, c)
		}
		sort.Strings(mc.ClassNames)
		out = append(out, mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tree) recordMissing(name, className string) {
	if t.missing == nil {
		t.missing = make(map[string]map[string]struct{})
	}
	set, ok := t.missing[name]
	if !ok {
		set = make(map[string]struct{})
		t.missing[name] = set
	}
	set[className] = struct{}{}
}

// ---------------------------------------------------------------------------
// Tree builder
// ---------------------------------------------------------------------------

// BuildOptions controls tree construction.
type BuildOptions struct {
	// Strict turns a missing child prototype into a PrototypeNotFoundError
	// instead of an unresolved reference.
	Strict bool
	// VarSet overrides variable values after defaults are applied.
	VarSet *VarSet
}

type treeBuilder struct {
	classes PrototypeTable
	opts    BuildOptions
	tree    *Tree
	mem     *Memory
	scanned map[*ClassPrototype]bool
}

// BuildTree instantiates the prototype named root and, recursively, all of
// its declared children. Every variable is allocated in a fresh Memory and
// initialized to its default, then to the value from opts.VarSet where one
// matches. No bytecode runs.
func BuildTree(root string, classes PrototypeTable, opts BuildOptions) (*Tree, *Memory, error) {
	proto, ok := classes.Prototype(root)
	if !ok {
		return nil, nil, &PrototypeNotFoundError{Name: root}
	}

	b := &treeBuilder{
		classes: classes,
		opts:    opts,
		tree:    &Tree{},
		mem:     NewMemory(),
		scanned: make(map[*ClassPrototype]bool),
	}
	id := b.add(proto, RootID, 0, "")
	if err := b.children(id); err != nil {
		return nil, nil, err
	}

	b.mem.ApplyDefaults()
	if opts.VarSet != nil {
		b.applyVarSet(RootID, opts.VarSet)
	}

	log.Infof("built %s: %d instances, %d float / %d handle / %d string variables, %d links",
		proto.Name, b.tree.Len(), b.mem.Len(KindFloat), b.mem.Len(KindInt), b.mem.Len(KindString), len(b.tree.links))
	return b.tree, b.mem, nil
}

// add appends an instance to the arena and allocates its variables.
func (b *treeBuilder) add(proto *ClassPrototype, parent InstanceID, handle int, name string) InstanceID {
	id := InstanceID(len(b.tree.instances))
	if len(b.tree.instances) == 0 {
		parent = id
	}
	inst := Instance{
		ID:      id,
		Parent:  parent,
		Proto:   proto,
		Handle:  handle,
		Name:    name,
		slots:   make([]slot, len(proto.Vars)),
		disable: -1,
	}
	for i, decl := range proto.Vars {
		k := decl.Type.Kind()
		idx := b.mem.Allocate(k, 1)
		inst.slots[i] = slot{kind: k, index: idx}
		if decl.Default != "" {
			v, err := ParseValue(k, decl.Default)
			if err != nil {
				log.Warningf("%s.%s: bad default: %v", proto.Name, decl.Name, err)
			} else {
				b.mem.SetDefault(k, idx, v)
			}
		}
		if k == KindFloat && strings.EqualFold(decl.Name, "_disable") {
			inst.disable = i
		}
	}
	b.tree.instances = append(b.tree.instances, inst)
	b.scan(proto)
	return id
}

// children instantiates the declared children of id in declaration order,
// then attaches id's links once the whole subtree exists.
func (b *treeBuilder) children(id InstanceID) error {
	proto := b.tree.instances[id].Proto
	for _, decl := range proto.Children {
		childProto, ok := b.classes.Prototype(decl.ClassName)
		if !ok {
			if b.opts.Strict {
				return &PrototypeNotFoundError{Name: decl.ClassName}
			}
			log.Warningf("%s: child class %q not found", proto.Name, decl.ClassName)
			b.tree.recordMissing(decl.ClassName, proto.Name)
			continue
		}
		child := b.add(childProto, id, decl.Handle, decl.Name)
		b.tree.instances[id].Children = append(b.tree.instances[id].Children, child)
		if err := b.children(child); err != nil {
			return err
		}
	}
	b.attachLinks(id)
	return nil
}

func (b *treeBuilder) attachLinks(id InstanceID) {
	proto := b.tree.instances[id].Proto
	for _, decl := range proto.Links {
		if decl.Flags&LinkDisabled != 0 {
			continue
		}
		from, ok1 := b.endpoint(id, decl.Handle1)
		to, ok2 := b.endpoint(id, decl.Handle2)
		if !ok1 || !ok2 {
			b.tree.recordMissing(fmt.Sprintf("link %d-%d", decl.Handle1, decl.Handle2), proto.Name)
			continue
		}
		for _, pair := range decl.Vars {
			srcName, dstName := pair.Name1, pair.Name2
			src, dst := from, to
			if decl.Flags&LinkReverse != 0 {
				srcName, dstName = dstName, srcName
				src, dst = dst, src
			}
			sk, si, ok1 := b.tree.instances[src].Slot(srcName)
			dk, di, ok2 := b.tree.instances[dst].Slot(dstName)
			switch {
			case !ok1:
				b.tree.recordMissing(b.tree.instances[src].Proto.Name+"."+srcName, proto.Name)
			case !ok2:
				b.tree.recordMissing(b.tree.instances[dst].Proto.Name+"."+dstName, proto.Name)
			case sk != dk:
				log.Warningf("%s: link %s -> %s joins %s and %s", proto.Name, srcName, dstName, sk, dk)
				b.tree.recordMissing(srcName+"->"+dstName, proto.Name)
			default:
				b.tree.links = append(b.tree.links, link{kind: sk, src: si, dst: di})
			}
		}
	}
}

func (b *treeBuilder) endpoint(id InstanceID, handle int) (InstanceID, bool) {
	if handle == 0 {
		return id, true
	}
	return b.tree.Child(id, handle)
}

// scan reports instructions the interpreter does not implement, once per
// prototype. Execution still starts; the fault only happens if the
// instruction is reached.
func (b *treeBuilder) scan(proto *ClassPrototype) {
	if b.scanned[proto] || proto.Code.Empty() {
		return
	}
	b.scanned[proto] = true
	bad, err := Decode(proto.Code.Bytecode, func(Instruction) bool { return true })
	if err != nil {
		log.Warningf("%s: %v", proto.Name, err)
		return
	}
	if bad >= 0 {
		b.tree.recordMissing(Opcode(proto.Code.Bytecode[bad]).Name(), proto.Name)
	}
}

// ---------------------------------------------------------------------------
// Variable sets
// ---------------------------------------------------------------------------

// VarSet is a persisted set of variable values for an instance subtree.
// Children are matched to child instances by scheme handle.
type VarSet struct {
	ClassName string            `json:"class"`
	Handle    int               `json:"handle"`
	Values    map[string]string `json:"values,omitempty"`
	Children  []*VarSet         `json:"children,omitempty"`
}

func (b *treeBuilder) applyVarSet(id InstanceID, vs *VarSet) {
	inst := &b.tree.instances[id]
	if !strings.EqualFold(vs.ClassName, inst.Proto.Name) {
		log.Debugf("variable set for %s does not match %s, ignored", vs.ClassName, inst.Proto.Name)
		return
	}
	for name, data := range vs.Values {
		k, idx, ok := inst.Slot(name)
		if !ok {
			continue
		}
		v, err := ParseValue(k, data)
		if err != nil {
			log.Debugf("%s.%s: %v", inst.Proto.Name, name, err)
			continue
		}
		b.mem.WriteBoth(k, idx, v)
	}
	for _, child := range vs.Children {
		if cid, ok := b.tree.Child(id, child.Handle); ok {
			b.applyVarSet(cid, child)
		}
	}
}

// snapshot captures the committed values of the subtree at id.
func (t *Tree) snapshot(id InstanceID, mem *Memory) *VarSet {
	inst := &t.instances[id]
	vs := &VarSet{
		ClassName: inst.Proto.Name,
		Handle:    inst.Handle,
		Values:    make(map[string]string, len(inst.slots)),
	}
	for i, s := range inst.slots {
		vs.Values[inst.Proto.Vars[i].Name] = mem.ReadOld(s.kind, s.index).Format()
	}
	for _, c := range inst.Children {
		vs.Children = append(vs.Children, t.snapshot(c, mem))
	}
	return vs
}
