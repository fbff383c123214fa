package vm

import (
	"sort"
	"strings"
)

// VarDecl declares one class variable.
type VarDecl struct {
	Name    string
	Type    VarType
	Default string // textual default, parsed per Type
	Flags   uint32
}

// ChildDecl places an instance of another class inside this class's scheme.
// Handle identifies the child within the parent and is what links refer to.
type ChildDecl struct {
	ClassName string
	Handle    int
	Name      string
	X, Y      float64
	Flags     uint32
}

// LinkVar pairs a variable of the first link endpoint with one of the
// second.
type LinkVar struct {
	Name1 string
	Name2 string
}

// Link flags.
const (
	LinkReverse  uint32 = 1 << 0 // forward Name2 -> Name1 instead of Name1 -> Name2
	LinkDisabled uint32 = 1 << 1 // declared but inert
)

// LinkDecl connects variables of two endpoints inside one class. Handle 0
// is the declaring class itself; any other handle names a direct child.
type LinkDecl struct {
	Handle1 int
	Handle2 int
	Vars    []LinkVar
	Flags   uint32
}

// ClassPrototype is an immutable compiled class definition. It is shared by
// every instance of the class and never modified by the engine.
type ClassPrototype struct {
	Name     string
	Vars     []VarDecl
	Children []ChildDecl
	Links    []LinkDecl
	Code     *Code
	Scheme   []byte // opaque scheme data, consumed by hosts
	Dir      string // directory the class was loaded from
}

// VarIndex returns the index of the named variable (case-insensitive), or
// -1.
func (p *ClassPrototype) VarIndex(name string) int {
	for i, v := range p.Vars {
		if strings.EqualFold(v.Name, name) {
			return i
		}
	}
	return -1
}

// HasScheme reports whether the class can be shown in a scheme window.
func (p *ClassPrototype) HasScheme() bool {
	return len(p.Scheme) > 0
}

// PrototypeTable resolves class prototypes by name. Implementations are
// read-only from the engine's point of view.
type PrototypeTable interface {
	Prototype(name string) (*ClassPrototype, bool)
}

// MapTable is an in-memory PrototypeTable. Class names are matched
// case-insensitively.
type MapTable map[string]*ClassPrototype

// NewMapTable creates a table holding protos.
func NewMapTable(protos ...*ClassPrototype) MapTable {
	t := make(MapTable, len(protos))
	for _, p := range protos {
		t.Add(p)
	}
	return t
}

// Add registers p, replacing any class of the same name.
func (t MapTable) Add(p *ClassPrototype) {
	t[strings.ToLower(p.Name)] = p
}

// Prototype implements PrototypeTable.
func (t MapTable) Prototype(name string) (*ClassPrototype, bool) {
	p, ok := t[strings.ToLower(name)]
	return p, ok
}

// Names returns the registered class names, sorted.
func (t MapTable) Names() []string {
	names := make([]string, 0, len(t))
	for _, p := range t {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
