// Package library loads class prototypes from disk and serves them to the
// engine as a vm.PrototypeTable.
//
// Two formats are understood: YAML class sources (.yaml, .yml) whose code
// is written in a small assembler, and compiled libraries (.slib) holding
// any number of classes in canonical CBOR.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/khokm/stratum-player/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stratum.library")

// ErrDuplicateClass is returned when two files define the same class.
var ErrDuplicateClass = errors.New("duplicate class")

// Library is a concurrency-safe set of class prototypes. Class names are
// matched case-insensitively.
type Library struct {
	mu      sync.RWMutex
	classes map[string]*vm.ClassPrototype
	origin  map[string]string
}

// New creates an empty library.
func New() *Library {
	return &Library{
		classes: make(map[string]*vm.ClassPrototype),
		origin:  make(map[string]string),
	}
}

// Add registers a prototype. from names where it came from and appears in
// duplicate errors.
func (l *Library) Add(p *vm.ClassPrototype, from string) error {
	key := strings.ToLower(p.Name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.origin[key]; ok {
		return fmt.Errorf("%w: %s in %s and %s", ErrDuplicateClass, p.Name, prev, from)
	}
	l.classes[key] = p
	l.origin[key] = from
	return nil
}

// Prototype implements vm.PrototypeTable.
func (l *Library) Prototype(name string) (*vm.ClassPrototype, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.classes[strings.ToLower(name)]
	return p, ok
}

// Len returns the number of classes.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.classes)
}

// Names returns the class names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.classes))
	for _, p := range l.classes {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// Prototypes returns every class, sorted by name.
func (l *Library) Prototypes() []*vm.ClassPrototype {
	names := l.Names()
	out := make([]*vm.ClassPrototype, 0, len(names))
	for _, n := range names {
		p, _ := l.Prototype(n)
		out = append(out, p)
	}
	return out
}

// LoadFile loads one class source or compiled library. Each loaded class
// records the directory it came from.
func (l *Library) LoadFile(path string) (int, error) {
	var protos []*vm.ClassPrototype
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p, err := ReadSource(path)
		if err != nil {
			return 0, err
		}
		protos = []*vm.ClassPrototype{p}
	case ".slib":
		ps, err := ReadCompiled(path)
		if err != nil {
			return 0, err
		}
		protos = ps
	default:
		return 0, nil
	}

	dir := filepath.Dir(path)
	for _, p := range protos {
		if p.Dir == "" {
			p.Dir = dir
		}
		if err := l.Add(p, path); err != nil {
			return 0, err
		}
	}
	return len(protos), nil
}

// LoadDir loads every class file under dir, recursively. Files with other
// extensions are ignored.
func (l *Library) LoadDir(dir string) (int, error) {
	total := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		n, err := l.LoadFile(path)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, err
	}
	log.Infof("loaded %d classes from %s", total, dir)
	return total, nil
}

// Load creates a library from several directories, relative paths being
// resolved against base.
func Load(base string, dirs ...string) (*Library, error) {
	l := New()
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(base, d)
		}
		if _, err := l.LoadDir(d); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Save writes every class into one compiled library file.
func (l *Library) Save(path string) error {
	return WriteCompiled(path, l.Prototypes())
}
