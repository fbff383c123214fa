package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khokm/stratum-player/vm"
)

var errWorkerStopped = errors.New("session closed")

// Session is one open project and the worker that serializes access to it.
type Session struct {
	ID      string
	Name    string
	Root    string
	Worker  *ProjectWorker
	Created time.Time

	mu       sync.Mutex
	lastUsed time.Time
	lastErr  string
	unsub    []func()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastError returns the message of the last error notification.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:       s.ID,
		Name:     s.Name,
		Root:     s.Root,
		State:    s.Worker.Project().State().String(),
		Created:  s.Created,
		LastUsed: s.lastUsed,
	}
}

// SessionStore manages project sessions keyed by random UUIDs.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates a new session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
	}
}

// Create registers p under a new session ID and starts its worker.
func (s *SessionStore) Create(name string, p *vm.Project) *Session {
	now := time.Now()
	session := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Root:     p.Root(),
		Worker:   NewProjectWorker(p),
		Created:  now,
		lastUsed: now,
	}
	session.unsub = append(session.unsub, p.Subscribe(vm.EventError, func(msg string) {
		session.mu.Lock()
		session.lastErr = msg
		session.mu.Unlock()
	}))

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Infof("session %s opened for %s", session.ID, session.Root)
	return session
}

// Get retrieves a session by ID and marks it used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		session.touch()
	}
	return session, ok
}

// Destroy closes the session's project and removes the session.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.close(session)
	return true
}

func (s *SessionStore) close(session *Session) {
	session.Worker.Project().Close()
	session.Worker.Stop()
	for _, fn := range session.unsub {
		fn()
	}
	log.Infof("session %s closed", session.ID)
}

// List returns every session, oldest first.
func (s *SessionStore) List() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// DestroyAll closes every session.
func (s *SessionStore) DestroyAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, session := range all {
		s.close(session)
	}
}

// Sweep closes sessions that haven't been used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var stale []*Session

	s.mu.Lock()
	for id, session := range s.sessions {
		session.mu.Lock()
		idle := session.lastUsed.Before(cutoff)
		session.mu.Unlock()
		if idle {
			stale = append(stale, session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, session := range stale {
		s.close(session)
	}
	return len(stale)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Infof("swept %d idle sessions", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
