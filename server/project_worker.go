package server

import (
	"fmt"

	"github.com/khokm/stratum-player/vm"
)

// projectRequest represents a unit of work to be executed on the worker
// goroutine.
type projectRequest struct {
	fn   func(*vm.Project) any
	done chan projectResult
}

// projectResult holds the return value from a project operation.
type projectResult struct {
	value any
	err   error
}

// ProjectWorker serializes the control requests of one session's project
// through a single goroutine.
//
// vm.Project locks per call, which keeps one Step or SetVar consistent but
// not a request made of several calls. A remote Step of N ticks followed by
// a state read, or a SetVariable that resolves an instance and then writes
// it, must see no other client's ticks in between, so every request runs as
// one closure here. Calls the project already answers atomically (State,
// Diag) may bypass the worker through Project.
type ProjectWorker struct {
	project  *vm.Project
	requests chan projectRequest
	quit     chan struct{}
}

// NewProjectWorker creates a ProjectWorker and starts the processing
// goroutine.
func NewProjectWorker(p *vm.Project) *ProjectWorker {
	w := &ProjectWorker{
		project:  p,
		requests: make(chan projectRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *ProjectWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the project, recovering from panics.
func (w *ProjectWorker) execute(fn func(*vm.Project) any) projectResult {
	var result projectResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.project)
	}()
	return result
}

// Do submits a function for execution on the worker goroutine and blocks
// until it completes. It fails once the worker is stopped.
func (w *ProjectWorker) Do(fn func(*vm.Project) any) (any, error) {
	select {
	case <-w.quit:
		return nil, errWorkerStopped
	default:
	}
	req := projectRequest{
		fn:   fn,
		done: make(chan projectResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, errWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, errWorkerStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *ProjectWorker) Stop() {
	close(w.quit)
}

// Project returns the underlying project for calls that are already
// safe for concurrent use.
func (w *ProjectWorker) Project() *vm.Project {
	return w.project
}
