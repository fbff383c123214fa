package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"
)

func newClient[Req, Res any](srv *httptest.Server, procedure string) *connect.Client[Req, Res] {
	return connect.NewClient[Req, Res](srv.Client(), srv.URL+procedure, connect.WithCodec(jsonCodec{}))
}

func TestServerOverHTTP(t *testing.T) {
	ps := New(testClasses(), WithSessionTTL(0))
	defer ps.Stop()
	srv := httptest.NewServer(ps.Handler())
	defer srv.Close()

	open := newClient[OpenRequest, OpenResponse](srv, OpenProcedure)
	step := newClient[StepRequest, StateResponse](srv, StepProcedure)
	vars := newClient[VariablesRequest, VariablesResponse](srv, VariablesProcedure)
	closeSession := newClient[SessionRequest, Empty](srv, CloseProcedure)

	opened, err := open.CallUnary(bg(), connect.NewRequest(&OpenRequest{Root: "Root"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := opened.Msg.SessionID

	st, err := step.CallUnary(bg(), connect.NewRequest(&StepRequest{SessionID: id, Count: 2}))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if st.Msg.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", st.Msg.Iterations)
	}

	v, err := vars.CallUnary(bg(), connect.NewRequest(&VariablesRequest{SessionID: id}))
	if err != nil {
		t.Fatalf("Variables: %v", err)
	}
	if v.Msg.Values["Ticks"] != "2" {
		t.Errorf("Ticks = %q, want 2", v.Msg.Values["Ticks"])
	}

	if _, err := closeSession.CallUnary(bg(), connect.NewRequest(&SessionRequest{SessionID: id})); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = step.CallUnary(bg(), connect.NewRequest(&StepRequest{SessionID: id}))
	wantCode(t, err, connect.CodeNotFound)
	if ps.Sessions().Len() != 0 {
		t.Errorf("%d sessions left", ps.Sessions().Len())
	}
}

// Plain HTTP clients can drive the server with JSON bodies.
func TestServerPlainJSON(t *testing.T) {
	ps := New(testClasses(), WithSessionTTL(0))
	defer ps.Stop()
	srv := httptest.NewServer(ps.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+OpenProcedure, "application/json", strings.NewReader(`{"root":"Root"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ps.Sessions().Len() != 1 {
		t.Errorf("%d sessions, want 1", ps.Sessions().Len())
	}

	bad, err := http.Post(srv.URL+OpenProcedure, "application/json", strings.NewReader(`{"root":""}`))
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("status for empty root = %d, want 400", bad.StatusCode)
	}
}
