package library

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/khokm/stratum-player/vm"
)

// CompiledVersion is the format version written to .slib files.
const CompiledVersion = 1

// Compiled library layout. Integer keys keep files compact and stable
// across field renames.
type compiledLibrary struct {
	Version int             `cbor:"1,keyasint"`
	Classes []compiledClass `cbor:"2,keyasint"`
}

type compiledClass struct {
	Name     string          `cbor:"1,keyasint"`
	Vars     []compiledVar   `cbor:"2,keyasint,omitempty"`
	Children []compiledChild `cbor:"3,keyasint,omitempty"`
	Links    []compiledLink  `cbor:"4,keyasint,omitempty"`
	Bytecode []byte          `cbor:"5,keyasint,omitempty"`
	Strings  []string        `cbor:"6,keyasint,omitempty"`
	Scheme   []byte          `cbor:"7,keyasint,omitempty"`
}

type compiledVar struct {
	Name    string `cbor:"1,keyasint"`
	Type    uint8  `cbor:"2,keyasint"`
	Default string `cbor:"3,keyasint,omitempty"`
	Flags   uint32 `cbor:"4,keyasint,omitempty"`
}

type compiledChild struct {
	Class  string  `cbor:"1,keyasint"`
	Handle int     `cbor:"2,keyasint"`
	Name   string  `cbor:"3,keyasint,omitempty"`
	X      float64 `cbor:"4,keyasint,omitempty"`
	Y      float64 `cbor:"5,keyasint,omitempty"`
	Flags  uint32  `cbor:"6,keyasint,omitempty"`
}

type compiledLink struct {
	Handle1 int         `cbor:"1,keyasint"`
	Handle2 int         `cbor:"2,keyasint"`
	Vars    [][2]string `cbor:"3,keyasint,omitempty"`
	Flags   uint32      `cbor:"4,keyasint,omitempty"`
}

// cborEncMode uses canonical encoding so the same classes always produce
// the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("library: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalCompiled serializes prototypes into the .slib format.
func MarshalCompiled(protos []*vm.ClassPrototype) ([]byte, error) {
	lib := compiledLibrary{Version: CompiledVersion, Classes: make([]compiledClass, 0, len(protos))}
	for _, p := range protos {
		lib.Classes = append(lib.Classes, compileClass(p))
	}
	return cborEncMode.Marshal(&lib)
}

// UnmarshalCompiled decodes a .slib image.
func UnmarshalCompiled(data []byte) ([]*vm.ClassPrototype, error) {
	var lib compiledLibrary
	if err := cbor.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("library: unmarshal compiled library: %w", err)
	}
	if lib.Version != CompiledVersion {
		return nil, fmt.Errorf("library: unsupported compiled library version %d", lib.Version)
	}
	protos := make([]*vm.ClassPrototype, 0, len(lib.Classes))
	for i := range lib.Classes {
		p, err := lib.Classes[i].prototype()
		if err != nil {
			return nil, err
		}
		protos = append(protos, p)
	}
	return protos, nil
}

// WriteCompiled writes prototypes to a .slib file.
func WriteCompiled(path string, protos []*vm.ClassPrototype) error {
	data, err := MarshalCompiled(protos)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadCompiled loads prototypes from a .slib file.
func ReadCompiled(path string) ([]*vm.ClassPrototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	protos, err := UnmarshalCompiled(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return protos, nil
}

func compileClass(p *vm.ClassPrototype) compiledClass {
	c := compiledClass{Name: p.Name, Scheme: p.Scheme}
	for _, v := range p.Vars {
		c.Vars = append(c.Vars, compiledVar{Name: v.Name, Type: uint8(v.Type), Default: v.Default, Flags: v.Flags})
	}
	for _, ch := range p.Children {
		c.Children = append(c.Children, compiledChild{
			Class:  ch.ClassName,
			Handle: ch.Handle,
			Name:   ch.Name,
			X:      ch.X,
			Y:      ch.Y,
			Flags:  ch.Flags,
		})
	}
	for _, l := range p.Links {
		cl := compiledLink{Handle1: l.Handle1, Handle2: l.Handle2, Flags: l.Flags}
		for _, v := range l.Vars {
			cl.Vars = append(cl.Vars, [2]string{v.Name1, v.Name2})
		}
		c.Links = append(c.Links, cl)
	}
	if !p.Code.Empty() {
		c.Bytecode = p.Code.Bytecode
		c.Strings = p.Code.Strings
	}
	return c
}

func (c *compiledClass) prototype() (*vm.ClassPrototype, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("library: compiled class without a name")
	}
	p := &vm.ClassPrototype{Name: c.Name, Scheme: c.Scheme}
	for _, v := range c.Vars {
		t := vm.VarType(v.Type)
		if t > vm.TypeString {
			return nil, fmt.Errorf("library: %s.%s: bad variable type %d", c.Name, v.Name, v.Type)
		}
		p.Vars = append(p.Vars, vm.VarDecl{Name: v.Name, Type: t, Default: v.Default, Flags: v.Flags})
	}
	for _, ch := range c.Children {
		p.Children = append(p.Children, vm.ChildDecl{
			ClassName: ch.Class,
			Handle:    ch.Handle,
			Name:      ch.Name,
			X:         ch.X,
			Y:         ch.Y,
			Flags:     ch.Flags,
		})
	}
	for _, l := range c.Links {
		decl := vm.LinkDecl{Handle1: l.Handle1, Handle2: l.Handle2, Flags: l.Flags}
		for _, v := range l.Vars {
			decl.Vars = append(decl.Vars, vm.LinkVar{Name1: v[0], Name2: v[1]})
		}
		p.Links = append(p.Links, decl)
	}
	if len(c.Bytecode) > 0 {
		p.Code = &vm.Code{Bytecode: c.Bytecode, Strings: c.Strings}
	}
	return p, nil
}
