package server

import (
	"context"
	"testing"

	"connectrpc.com/connect"

	"github.com/khokm/stratum-player/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

// testClasses is a small class table: a root counting ticks with one
// child whose value is linked up to the root.
func testClasses() vm.MapTable {
	count := vm.NewBytecodeBuilder()
	count.PushVar(0)
	count.PushFloat(1)
	count.Emit(vm.OpAdd)
	count.StoreVar(0)

	return vm.NewMapTable(
		&vm.ClassPrototype{
			Name: "Root",
			Vars: []vm.VarDecl{
				{Name: "Ticks", Type: vm.TypeFloat},
				{Name: "Seen", Type: vm.TypeFloat},
				{Name: "Title", Type: vm.TypeString, Default: "demo"},
			},
			Children: []vm.ChildDecl{{ClassName: "Child", Handle: 2}},
			Links: []vm.LinkDecl{{
				Handle1: 2,
				Handle2: 0,
				Vars:    []vm.LinkVar{{Name1: "V", Name2: "Seen"}},
			}},
			Code: count.Build(),
		},
		&vm.ClassPrototype{
			Name: "Child",
			Vars: []vm.VarDecl{{Name: "V", Type: vm.TypeFloat, Default: "7"}},
		},
		&vm.ClassPrototype{
			Name:     "Broken",
			Children: []vm.ChildDecl{{ClassName: "Nowhere", Handle: 2}},
			Code:     &vm.Code{Bytecode: []byte{0xEE}},
		},
	)
}

// newTestService creates a PlayerService over testClasses. Sessions are
// destroyed when the test ends.
func newTestService(t *testing.T, opts ...ServerOption) (*PlayerService, *SessionStore) {
	t.Helper()
	cfg := &serverConfig{classes: testClasses()}
	for _, opt := range opts {
		opt(cfg)
	}
	sessions := NewSessionStore()
	t.Cleanup(sessions.DestroyAll)
	return NewPlayerService(cfg, sessions), sessions
}

// openSession opens root with a manually stepped project.
func openSession(t *testing.T, svc *PlayerService, root string) string {
	t.Helper()
	resp, err := svc.Open(bg(), connectReq(&OpenRequest{Root: root, Executor: "fastest"}))
	if err != nil {
		t.Fatalf("Open(%s): %v", root, err)
	}
	return resp.Msg.SessionID
}

// ---------------------------------------------------------------------------
// Request builder helpers.
// ---------------------------------------------------------------------------

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", code)
	}
	if got := connect.CodeOf(err); got != code {
		t.Errorf("code = %v, want %v (%v)", got, code, err)
	}
}
