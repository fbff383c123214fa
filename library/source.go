package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/khokm/stratum-player/vm"
	"gopkg.in/yaml.v3"
)

// classFile is the YAML layout of a class source:
//
//	name: Ball
//	vars:
//	  - {name: X, type: float, default: "10"}
//	children:
//	  - {class: Timer, handle: 2, name: clock}
//	links:
//	  - {from: 0, to: 2, vars: [[X, Tick]]}
//	scheme: "ball scheme"
//	code: |
//	  PUSH_VAR X
//	  ...
type classFile struct {
	Name     string      `yaml:"name"`
	Vars     []varEntry  `yaml:"vars"`
	Children []childFile `yaml:"children"`
	Links    []linkFile  `yaml:"links"`
	Scheme   string      `yaml:"scheme"`
	Code     string      `yaml:"code"`
}

type varEntry struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Default string `yaml:"default"`
	Flags   uint32 `yaml:"flags"`
}

type childFile struct {
	Class  string  `yaml:"class"`
	Handle int     `yaml:"handle"`
	Name   string  `yaml:"name"`
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Flags  uint32  `yaml:"flags"`
}

type linkFile struct {
	From     int         `yaml:"from"`
	To       int         `yaml:"to"`
	Vars     [][2]string `yaml:"vars"`
	Reverse  bool        `yaml:"reverse"`
	Disabled bool        `yaml:"disabled"`
}

// ParseSource decodes a YAML class source and assembles its code.
func ParseSource(data []byte) (*vm.ClassPrototype, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw classFile
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty class source")
		}
		return nil, err
	}
	return raw.prototype()
}

// ReadSource loads a YAML class source from disk.
func ReadSource(path string) (*vm.ClassPrototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseSource(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (f *classFile) prototype() (*vm.ClassPrototype, error) {
	if f.Name == "" {
		return nil, errors.New("class has no name")
	}
	p := &vm.ClassPrototype{Name: f.Name}
	if f.Scheme != "" {
		p.Scheme = []byte(f.Scheme)
	}

	for _, v := range f.Vars {
		if v.Type == "" {
			v.Type = "float"
		}
		t, err := vm.ParseVarType(v.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", f.Name, v.Name, err)
		}
		if v.Default != "" {
			if _, err := vm.ParseValue(t.Kind(), v.Default); err != nil {
				return nil, fmt.Errorf("%s.%s: default: %w", f.Name, v.Name, err)
			}
		}
		p.Vars = append(p.Vars, vm.VarDecl{Name: v.Name, Type: t, Default: v.Default, Flags: v.Flags})
	}

	handles := make(map[int]bool, len(f.Children))
	for _, c := range f.Children {
		if c.Handle <= 0 {
			return nil, fmt.Errorf("%s: child %s has handle %d, want > 0", f.Name, c.Class, c.Handle)
		}
		if handles[c.Handle] {
			return nil, fmt.Errorf("%s: duplicate child handle %d", f.Name, c.Handle)
		}
		handles[c.Handle] = true
		p.Children = append(p.Children, vm.ChildDecl{
			ClassName: c.Class,
			Handle:    c.Handle,
			Name:      c.Name,
			X:         c.X,
			Y:         c.Y,
			Flags:     c.Flags,
		})
	}

	for _, l := range f.Links {
		decl := vm.LinkDecl{Handle1: l.From, Handle2: l.To}
		for _, pair := range l.Vars {
			decl.Vars = append(decl.Vars, vm.LinkVar{Name1: pair[0], Name2: pair[1]})
		}
		if l.Reverse {
			decl.Flags |= vm.LinkReverse
		}
		if l.Disabled {
			decl.Flags |= vm.LinkDisabled
		}
		p.Links = append(p.Links, decl)
	}

	if f.Code != "" {
		code, err := Assemble(f.Code, p.Vars)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		p.Code = code
	}
	return p, nil
}
