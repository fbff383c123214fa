package vm

import (
	"runtime"
	"sync"
	"time"
)

// Executor drives a tick callback on some cadence until the callback
// returns false or Stop is called. Run must not block.
type Executor interface {
	Running() bool
	Run(callback func() bool)
	Stop()
}

// runHandle is one Run invocation. Each run owns its stop channel so that
// stopping a run never affects the one that replaced it.
type runHandle struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (h *runHandle) halt() {
	h.once.Do(func() { close(h.stop) })
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// runner holds the bookkeeping shared by the executors.
type runner struct {
	mu  sync.Mutex
	cur *runHandle
}

func (r *runner) start(loop func(stop <-chan struct{})) {
	h := &runHandle{stop: make(chan struct{}), done: make(chan struct{})}
	r.mu.Lock()
	if r.cur != nil {
		r.cur.halt()
	}
	r.cur = h
	r.mu.Unlock()

	go func() {
		defer close(h.done)
		loop(h.stop)
	}()
}

// Running reports whether a loop is active.
func (r *runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil && !r.cur.finished()
}

// Stop ends the active loop without waiting for it. A callback already in
// progress completes.
func (r *runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		r.cur.halt()
		r.cur = nil
	}
}

// ---------------------------------------------------------------------------
// SmoothExecutor: paced to the display refresh
// ---------------------------------------------------------------------------

// DefaultFPS is the refresh rate SmoothExecutor uses when none is given.
const DefaultFPS = 60

// SmoothExecutor calls the callback once per frame interval.
type SmoothExecutor struct {
	runner
	interval time.Duration
}

// NewSmoothExecutor creates an executor ticking fps times per second.
func NewSmoothExecutor(fps int) *SmoothExecutor {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &SmoothExecutor{interval: time.Second / time.Duration(fps)}
}

// Interval returns the frame interval.
func (e *SmoothExecutor) Interval() time.Duration {
	return e.interval
}

// Run starts the frame loop, replacing any loop already running.
func (e *SmoothExecutor) Run(callback func() bool) {
	interval := e.interval
	e.start(func(stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !callback() {
					return
				}
			}
		}
	})
}

// ---------------------------------------------------------------------------
// FastestExecutor: as fast as the scheduler allows
// ---------------------------------------------------------------------------

// FastestExecutor calls the callback back to back, yielding the processor
// between calls.
type FastestExecutor struct {
	runner
}

// NewFastestExecutor creates an unpaced executor.
func NewFastestExecutor() *FastestExecutor {
	return &FastestExecutor{}
}

// Run starts the loop, replacing any loop already running.
func (e *FastestExecutor) Run(callback func() bool) {
	e.start(func(stop <-chan struct{}) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !callback() {
				return
			}
			runtime.Gosched()
		}
	})
}

// ExecutorByName returns the executor for a configuration name: "fastest"
// or anything else for the paced one.
func ExecutorByName(name string, fps int) Executor {
	if name == "fastest" {
		return NewFastestExecutor()
	}
	return NewSmoothExecutor(fps)
}
