// Package server exposes project control over Connect (HTTP/JSON). Each
// opened project lives in a session addressed by a UUID; requests against
// one session are serialized by that session's ProjectWorker.
package server

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/khokm/stratum-player/varstore"
	"github.com/khokm/stratum-player/vm"
)

var log = commonlog.GetLogger("stratum.server")

// ServiceName is the Connect service path prefix.
const ServiceName = "stratum.v1.PlayerService"

// Procedure paths.
const (
	OpenProcedure         = "/" + ServiceName + "/Open"
	PlayProcedure         = "/" + ServiceName + "/Play"
	PauseProcedure        = "/" + ServiceName + "/Pause"
	ContinueProcedure     = "/" + ServiceName + "/Continue"
	StepProcedure         = "/" + ServiceName + "/Step"
	CloseProcedure        = "/" + ServiceName + "/Close"
	StateProcedure        = "/" + ServiceName + "/State"
	VariablesProcedure    = "/" + ServiceName + "/Variables"
	SetVariableProcedure  = "/" + ServiceName + "/SetVariable"
	ListSessionsProcedure = "/" + ServiceName + "/ListSessions"
)

// PlayerServer serves project sessions over Connect.
type PlayerServer struct {
	cfg      *serverConfig
	sessions *SessionStore
	service  *PlayerService
	mux      *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a PlayerServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	classes    vm.PrototypeTable
	projectDir string
	newHost    func() vm.Host
	store      *varstore.Store
	sessionTTL time.Duration
}

// WithProjectDir sets the directory reported to class code and used by
// hosts for relative paths.
func WithProjectDir(dir string) ServerOption {
	return func(c *serverConfig) { c.projectDir = dir }
}

// WithHostFactory sets how each session's hyper-call host is created.
// Without it projects run without a host and every hyper-call fails.
func WithHostFactory(fn func() vm.Host) ServerOption {
	return func(c *serverConfig) { c.newHost = fn }
}

// WithStore enables restoring variable sets on open and saving them on
// close.
func WithStore(s *varstore.Store) ServerOption {
	return func(c *serverConfig) { c.store = s }
}

// WithSessionTTL closes sessions idle for longer than ttl. Zero disables
// the sweep.
func WithSessionTTL(ttl time.Duration) ServerOption {
	return func(c *serverConfig) { c.sessionTTL = ttl }
}

// New creates a PlayerServer opening projects from classes.
func New(classes vm.PrototypeTable, opts ...ServerOption) *PlayerServer {
	cfg := &serverConfig{
		classes:    classes,
		sessionTTL: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	sessions := NewSessionStore()
	s := &PlayerServer{
		cfg:      cfg,
		sessions: sessions,
		service:  NewPlayerService(cfg, sessions),
		mux:      http.NewServeMux(),
	}
	s.register()

	if cfg.sessionTTL > 0 {
		interval := cfg.sessionTTL / 6
		s.stopSweeper = sessions.StartSweeper(interval, cfg.sessionTTL)
	}
	return s
}

func handle[Req, Res any](
	mux *http.ServeMux,
	procedure string,
	fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error),
) {
	mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, connect.WithCodec(jsonCodec{})))
}

func (s *PlayerServer) register() {
	svc := s.service
	handle(s.mux, OpenProcedure, svc.Open)
	handle(s.mux, PlayProcedure, svc.Play)
	handle(s.mux, PauseProcedure, svc.Pause)
	handle(s.mux, ContinueProcedure, svc.Continue)
	handle(s.mux, StepProcedure, svc.Step)
	handle(s.mux, CloseProcedure, svc.Close)
	handle(s.mux, StateProcedure, svc.State)
	handle(s.mux, VariablesProcedure, svc.Variables)
	handle(s.mux, SetVariableProcedure, svc.SetVariable)
	handle(s.mux, ListSessionsProcedure, svc.ListSessions)
}

// Handler returns the HTTP handler serving every procedure.
func (s *PlayerServer) Handler() http.Handler {
	return s.mux
}

// Sessions returns the session store.
func (s *PlayerServer) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *PlayerServer) ListenAndServe(addr string) error {
	log.Noticef("player server listening on %s (Connect, JSON): http://%s%s", addr, addr, OpenProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// Stop closes every session and shuts down the sweeper.
func (s *PlayerServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.DestroyAll()
}
