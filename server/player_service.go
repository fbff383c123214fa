package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/khokm/stratum-player/varstore"
	"github.com/khokm/stratum-player/vm"
)

// maxStepsPerRequest bounds one Step call.
const maxStepsPerRequest = 10000

// PlayerService implements the project control procedures.
type PlayerService struct {
	cfg      *serverConfig
	sessions *SessionStore
}

// NewPlayerService creates a PlayerService.
func NewPlayerService(cfg *serverConfig, sessions *SessionStore) *PlayerService {
	return &PlayerService{cfg: cfg, sessions: sessions}
}

// Open builds a project and opens a session for it.
func (s *PlayerService) Open(
	ctx context.Context,
	req *connect.Request[OpenRequest],
) (*connect.Response[OpenResponse], error) {
	msg := req.Msg
	if msg.Root == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("root is required"))
	}
	name := msg.Name
	if name == "" {
		name = msg.Root
	}

	opts := []vm.Option{
		vm.WithExecutor(vm.ExecutorByName(msg.Executor, msg.FPS)),
		vm.WithStrict(msg.Strict),
		vm.WithDir(s.cfg.projectDir),
	}
	if s.cfg.newHost != nil {
		opts = append(opts, vm.WithHost(s.cfg.newHost()))
	}
	if msg.RestoreState && s.cfg.store != nil {
		vs, err := s.cfg.store.Load(name, msg.Root)
		switch {
		case err == nil:
			opts = append(opts, vm.WithVarSet(vs))
		case !errors.Is(err, varstore.ErrSnapshotNotFound):
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}

	p, err := vm.NewProject(msg.Root, s.cfg.classes, opts...)
	if err != nil {
		var notFound *vm.PrototypeNotFoundError
		if errors.As(err, &notFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if s.cfg.store != nil {
		s.cfg.store.SaveOnClose(name, p)
	}

	session := s.sessions.Create(name, p)
	resp := &OpenResponse{SessionID: session.ID, Instances: p.Tree().Len()}
	for _, mc := range p.Diag().MissingCommands {
		resp.MissingCommands = append(resp.MissingCommands, MissingCommand{Name: mc.Name, Classes: mc.ClassNames})
	}
	return connect.NewResponse(resp), nil
}

// Play starts scheduler-driven ticking.
func (s *PlayerService) Play(
	ctx context.Context,
	req *connect.Request[PlayRequest],
) (*connect.Response[StateResponse], error) {
	return s.control(req.Msg.SessionID, func(p *vm.Project) error {
		return p.Play(req.Msg.Target)
	})
}

// Pause stops scheduler-driven ticking.
func (s *PlayerService) Pause(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StateResponse], error) {
	return s.control(req.Msg.SessionID, func(p *vm.Project) error {
		p.Pause()
		return nil
	})
}

// Continue resumes after Pause.
func (s *PlayerService) Continue(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StateResponse], error) {
	return s.control(req.Msg.SessionID, func(p *vm.Project) error {
		p.Continue()
		return nil
	})
}

// Step runs one or more ticks.
func (s *PlayerService) Step(
	ctx context.Context,
	req *connect.Request[StepRequest],
) (*connect.Response[StateResponse], error) {
	n := req.Msg.Count
	if n <= 0 {
		n = 1
	}
	if n > maxStepsPerRequest {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("count %d exceeds %d", n, maxStepsPerRequest))
	}
	return s.control(req.Msg.SessionID, func(p *vm.Project) error {
		for i := 0; i < n; i++ {
			if err := p.Step(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the project and ends the session.
func (s *PlayerService) Close(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[Empty], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("sessionId is required"))
	}
	if !s.sessions.Destroy(req.Msg.SessionID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	return connect.NewResponse(&Empty{}), nil
}

// State reports the project's state and diagnostics.
func (s *PlayerService) State(
	ctx context.Context,
	req *connect.Request[SessionRequest],
) (*connect.Response[StateResponse], error) {
	return s.control(req.Msg.SessionID, func(*vm.Project) error { return nil })
}

// Variables returns the current values of one instance's variables.
func (s *PlayerService) Variables(
	ctx context.Context,
	req *connect.Request[VariablesRequest],
) (*connect.Response[VariablesResponse], error) {
	session, err := s.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	result, err := session.Worker.Do(func(p *vm.Project) any {
		id, ok := p.Tree().Find(req.Msg.Path...)
		if !ok {
			return nil
		}
		inst := p.Tree().Instance(id)
		resp := &VariablesResponse{Class: inst.ClassName(), Values: make(map[string]string, len(inst.Proto.Vars))}
		for _, v := range inst.Proto.Vars {
			if val, ok := p.Var(id, v.Name); ok {
				resp.Values[v.Name] = val.Format()
			}
		}
		return resp
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp, _ := result.(*VariablesResponse)
	if resp == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no instance at path %v", req.Msg.Path))
	}
	return connect.NewResponse(resp), nil
}

// SetVariable writes one variable of one instance.
func (s *PlayerService) SetVariable(
	ctx context.Context,
	req *connect.Request[SetVariableRequest],
) (*connect.Response[Empty], error) {
	msg := req.Msg
	session, err := s.session(msg.SessionID)
	if err != nil {
		return nil, err
	}
	result, err := session.Worker.Do(func(p *vm.Project) any {
		id, ok := p.Tree().Find(msg.Path...)
		if !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("no instance at path %v", msg.Path))
		}
		k, _, ok := p.Tree().Instance(id).Slot(msg.Name)
		if !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("no variable %q", msg.Name))
		}
		v, err := vm.ParseValue(k, msg.Value)
		if err != nil {
			return connect.NewError(connect.CodeInvalidArgument, err)
		}
		if !p.SetVar(id, msg.Name, v) {
			return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("project is %s", p.State()))
		}
		return nil
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if cerr, ok := result.(*connect.Error); ok {
		return nil, cerr
	}
	return connect.NewResponse(&Empty{}), nil
}

// ListSessions lists the open sessions.
func (s *PlayerService) ListSessions(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ListSessionsResponse], error) {
	return connect.NewResponse(&ListSessionsResponse{Sessions: s.sessions.List()}), nil
}

func (s *PlayerService) session(id string) (*Session, error) {
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("sessionId is required"))
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return session, nil
}

// control runs fn on the session's worker and reports the resulting state.
func (s *PlayerService) control(id string, fn func(*vm.Project) error) (*connect.Response[StateResponse], error) {
	session, err := s.session(id)
	if err != nil {
		return nil, err
	}
	result, err := session.Worker.Do(func(p *vm.Project) any {
		if err := fn(p); err != nil {
			return err
		}
		return stateOf(p)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	switch r := result.(type) {
	case error:
		if errors.Is(r, vm.ErrProjectClosed) {
			return nil, connect.NewError(connect.CodeFailedPrecondition, r)
		}
		return nil, connect.NewError(connect.CodeInternal, r)
	case *StateResponse:
		r.Error = session.LastError()
		return connect.NewResponse(r), nil
	}
	return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("unexpected result %T", result))
}

func stateOf(p *vm.Project) *StateResponse {
	d := p.Diag()
	return &StateResponse{
		State:            p.State().String(),
		Waiting:          p.Waiting(),
		Iterations:       d.Iterations,
		ReentrancyDenied: d.ReentrancyDenied,
	}
}
