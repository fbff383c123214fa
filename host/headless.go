// Package host provides a headless implementation of the engine's
// hyper-call surface. Windows and spaces are tracked in a registry without
// being drawn; file operations run against the project directory on
// background goroutines and reach the project as pending replies.
package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/khokm/stratum-player/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stratum.host")

// Default screen metrics reported to projects.
const (
	DefaultScreenWidth  = 1920
	DefaultScreenHeight = 1080
)

var (
	ErrNoScheme      = errors.New("class has no scheme")
	ErrUnknownClass  = errors.New("unknown class")
	ErrWindowExists  = errors.New("window already open")
	ErrUnknownStream = errors.New("unknown stream type")

	errReleased = errors.New("project released")
)

// WindowKind tells how a window was opened.
type WindowKind string

const (
	WindowScheme WindowKind = "scheme"
	WindowSpace  WindowKind = "space"
	WindowPlain  WindowKind = "window"
)

// Window is one entry of the window registry.
type Window struct {
	Owner  vm.ProjectID
	Name   string
	Handle int32
	Kind   WindowKind
	Source string // class name or resolved file path
	Parent string
	Attrib string
	X, Y   float64
	Width  float64
	Height float64
}

// Option configures a Headless host.
type Option func(*Headless)

// WithScreen sets the reported screen size.
func WithScreen(width, height int) Option {
	return func(h *Headless) {
		h.screenW, h.screenH = width, height
	}
}

// Headless is a vm.Host that keeps windows in memory and performs file
// operations without a display. It is safe for concurrent use and may be
// shared by several projects; windows and streams belong to the project
// that opened them.
type Headless struct {
	screenW, screenH int

	mu       sync.Mutex
	targets  map[vm.ProjectID]string
	windows  map[string]*Window
	streams  map[int32]*Stream
	released map[vm.ProjectID]bool
	next     int32
	wg       sync.WaitGroup
}

// NewHeadless creates a host with the default screen metrics.
func NewHeadless(opts ...Option) *Headless {
	h := &Headless{
		screenW: DefaultScreenWidth,
		screenH: DefaultScreenHeight,
		targets:  make(map[vm.ProjectID]string),
		windows:  make(map[string]*Window),
		streams:  make(map[int32]*Stream),
		released: make(map[vm.ProjectID]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach implements vm.Attacher.
func (h *Headless) Attach(project vm.ProjectID, target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[project] = target
	log.Infof("project %d attached to %q", project, target)
	return nil
}

// Target returns the window target a project gave to Attach.
func (h *Headless) Target(project vm.ProjectID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.targets[project]
}

// Release implements vm.Releaser. It closes the streams and windows of one
// project without waiting for its background operations; anything those
// open later is discarded.
func (h *Headless) Release(project vm.ProjectID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released[project] = true
	delete(h.targets, project)
	for id, s := range h.streams {
		if s.owner != project {
			continue
		}
		if err := s.Close(); err != nil {
			log.Warningf("closing stream %d: %v", id, err)
		}
		delete(h.streams, id)
	}
	for key, w := range h.windows {
		if w.Owner == project {
			delete(h.windows, key)
		}
	}
}

// Wait blocks until every background operation has finished.
func (h *Headless) Wait() {
	h.wg.Wait()
}

// HyperCall implements vm.Host.
func (h *Headless) HyperCall(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	switch call.Op {
	case vm.HyperScreenWidth:
		return vm.Ready(vm.FloatValue(float64(h.screenW)))
	case vm.HyperScreenHeight:
		return vm.Ready(vm.FloatValue(float64(h.screenH)))
	case vm.HyperOpenSchemeWindow:
		return h.openScheme(ctx, call)
	case vm.HyperLoadSpaceWindow:
		return h.loadSpace(ctx, call)
	case vm.HyperCreateWindowEx:
		return h.createWindowEx(ctx, call)
	case vm.HyperCreateDir:
		return h.createDir(ctx, call)
	case vm.HyperFileExist:
		return h.fileExist(ctx, call)
	case vm.HyperCreateStream:
		return h.createStream(ctx, call)
	case vm.HyperCloseWindow:
		if h.CloseWindow(call.Arg(0).Str()) {
			return vm.Ready(vm.FloatValue(1))
		}
		return vm.Ready(vm.FloatValue(0))
	}
	return vm.Failed(fmt.Errorf("unsupported operation %s", call.Op))
}

// async runs fn on its own goroutine and delivers its outcome as a pending
// reply.
func (h *Headless) async(fn func() (vm.Value, error)) vm.HyperResult {
	ch := make(chan vm.HyperReply, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		v, err := fn()
		ch <- vm.HyperReply{Value: v, Err: err}
	}()
	return vm.Pending(ch)
}

func (h *Headless) openScheme(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	name, className, attrib := call.Arg(0).Str(), call.Arg(1).Str(), call.Arg(2).Str()
	if ctx.Classes == nil {
		return vm.Failed(fmt.Errorf("%w: %s", ErrUnknownClass, className))
	}
	proto, ok := ctx.Classes.Prototype(className)
	if !ok {
		return vm.Failed(fmt.Errorf("%w: %s", ErrUnknownClass, className))
	}
	if !proto.HasScheme() {
		return vm.Failed(fmt.Errorf("%s: %w", proto.Name, ErrNoScheme))
	}
	w, err := h.register(&Window{Owner: ctx.Project, Name: name, Kind: WindowScheme, Source: proto.Name, Attrib: attrib})
	if err != nil {
		return vm.Failed(err)
	}
	return vm.Ready(vm.IntValue(w.Handle))
}

func (h *Headless) loadSpace(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	name, file, attrib := call.Arg(0).Str(), call.Arg(1).Str(), call.Arg(2).Str()
	path := Resolve(ctx.ProjectDir, file)
	return h.async(func() (vm.Value, error) {
		if _, err := os.Stat(path); err != nil {
			return vm.IntValue(0), err
		}
		w, err := h.register(&Window{Owner: ctx.Project, Name: name, Kind: WindowSpace, Source: path, Attrib: attrib})
		if err != nil {
			return vm.IntValue(0), err
		}
		return vm.IntValue(w.Handle), nil
	})
}

func (h *Headless) createWindowEx(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	w := &Window{
		Owner:  ctx.Project,
		Name:   call.Arg(0).Str(),
		Kind:   WindowPlain,
		Parent: call.Arg(1).Str(),
		X:      call.Arg(3).Float(),
		Y:      call.Arg(4).Float(),
		Width:  call.Arg(5).Float(),
		Height: call.Arg(6).Float(),
		Attrib: call.Arg(7).Str(),
	}
	source := call.Arg(2).Str()
	return h.async(func() (vm.Value, error) {
		if source != "" {
			w.Source = Resolve(ctx.ProjectDir, source)
			if _, err := os.Stat(w.Source); err != nil {
				return vm.IntValue(0), err
			}
		}
		reg, err := h.register(w)
		if err != nil {
			return vm.IntValue(0), err
		}
		return vm.IntValue(reg.Handle), nil
	})
}

func (h *Headless) createDir(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	path := Resolve(ctx.ProjectDir, call.Arg(0).Str())
	return h.async(func() (vm.Value, error) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return vm.FloatValue(0), err
		}
		return vm.FloatValue(1), nil
	})
}

func (h *Headless) fileExist(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	path := Resolve(ctx.ProjectDir, call.Arg(0).Str())
	return h.async(func() (vm.Value, error) {
		if _, err := os.Stat(path); err != nil {
			return vm.FloatValue(0), nil
		}
		return vm.FloatValue(1), nil
	})
}

func (h *Headless) createStream(ctx vm.HyperContext, call vm.HyperCall) vm.HyperResult {
	kind, name, flags := call.Arg(0).Str(), call.Arg(1).Str(), call.Arg(2).Str()
	return h.async(func() (vm.Value, error) {
		s, err := openStream(kind, Resolve(ctx.ProjectDir, name), flags)
		if err != nil {
			return vm.IntValue(0), err
		}
		s.owner = ctx.Project
		h.mu.Lock()
		if h.released[ctx.Project] {
			h.mu.Unlock()
			s.Close()
			return vm.IntValue(0), errReleased
		}
		h.next++
		id := h.next
		h.streams[id] = s
		h.mu.Unlock()
		return vm.IntValue(id), nil
	})
}

// register adds w under a fresh handle. Names are case-insensitive and
// unique.
func (h *Headless) register(w *Window) (*Window, error) {
	key := strings.ToLower(w.Name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released[w.Owner] {
		return nil, errReleased
	}
	if _, ok := h.windows[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWindowExists, w.Name)
	}
	h.next++
	w.Handle = h.next
	h.windows[key] = w
	log.Debugf("opened %s window %q (%d)", w.Kind, w.Name, w.Handle)
	return w, nil
}

// CloseWindow removes a window by name and reports whether it was open.
func (h *Headless) CloseWindow(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := h.windows[key]; !ok {
		return false
	}
	delete(h.windows, key)
	return true
}

// Window returns a copy of the named window.
func (h *Headless) Window(name string) (Window, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[strings.ToLower(name)]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Windows returns copies of the open windows, ordered by handle.
func (h *Headless) Windows() []Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Window, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Stream returns an open stream by handle.
func (h *Headless) Stream(id int32) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	return s, ok
}

// Resolve turns a project path into a host path. Backslash separators are
// accepted and relative paths are taken from dir.
func Resolve(dir, name string) string {
	p := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if filepath.IsAbs(p) || dir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}
