package server

import "time"

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

// OpenRequest builds a project from the server's class library.
type OpenRequest struct {
	Name         string `json:"name,omitempty"`
	Root         string `json:"root"`
	Executor     string `json:"executor,omitempty"` // "smooth" (default) or "fastest"
	FPS          int    `json:"fps,omitempty"`
	Strict       bool   `json:"strict,omitempty"`
	RestoreState bool   `json:"restoreState,omitempty"`
}

// OpenResponse identifies the new session.
type OpenResponse struct {
	SessionID       string           `json:"sessionId"`
	Instances       int              `json:"instances"`
	MissingCommands []MissingCommand `json:"missingCommands,omitempty"`
}

// MissingCommand mirrors vm.MissingCommand.
type MissingCommand struct {
	Name    string   `json:"name"`
	Classes []string `json:"classes"`
}

// SessionRequest addresses one session.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// PlayRequest starts a project.
type PlayRequest struct {
	SessionID string `json:"sessionId"`
	Target    string `json:"target,omitempty"`
}

// StepRequest runs Count ticks (at least one).
type StepRequest struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count,omitempty"`
}

// StateResponse reports the lifecycle state and diagnostics of a project.
type StateResponse struct {
	State            string `json:"state"`
	Waiting          bool   `json:"waiting"`
	Iterations       uint64 `json:"iterations"`
	ReentrancyDenied uint64 `json:"reentrancyDenied,omitempty"`
	Error            string `json:"error,omitempty"`
}

// VariablesRequest selects an instance by its path of child handles from
// the root. An empty path is the root.
type VariablesRequest struct {
	SessionID string `json:"sessionId"`
	Path      []int  `json:"path,omitempty"`
}

// VariablesResponse lists the current values of an instance's variables.
type VariablesResponse struct {
	Class  string            `json:"class"`
	Values map[string]string `json:"values"`
}

// SetVariableRequest writes one variable. Value uses the textual form of
// the variable's type.
type SetVariableRequest struct {
	SessionID string `json:"sessionId"`
	Path      []int  `json:"path,omitempty"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

// SessionInfo describes one open session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Root     string    `json:"root"`
	State    string    `json:"state"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"lastUsed"`
}

// ListSessionsResponse lists open sessions.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}
