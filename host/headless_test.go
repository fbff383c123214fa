package host

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/khokm/stratum-player/vm"
)

func call(op vm.HyperOp, args ...vm.Value) vm.HyperCall {
	return vm.HyperCall{Op: op, Args: args}
}

func str(s string) vm.Value { return vm.StringValue(s) }

// await resolves a pending result.
func await(t *testing.T, res vm.HyperResult) vm.HyperReply {
	t.Helper()
	if !res.IsPending() {
		t.Fatalf("result is not pending (value %v, err %v)", res.Value(), res.Err())
	}
	select {
	case r := <-res.Reply():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return vm.HyperReply{}
}

func TestScreenMetrics(t *testing.T) {
	h := NewHeadless(WithScreen(800, 600))
	if v := h.HyperCall(vm.HyperContext{}, call(vm.HyperScreenWidth)).Value(); v.Float() != 800 {
		t.Errorf("width = %v", v)
	}
	if v := h.HyperCall(vm.HyperContext{}, call(vm.HyperScreenHeight)).Value(); v.Float() != 600 {
		t.Errorf("height = %v", v)
	}
}

func TestOpenSchemeWindow(t *testing.T) {
	classes := vm.NewMapTable(
		&vm.ClassPrototype{Name: "Menu", Scheme: []byte("scheme")},
		&vm.ClassPrototype{Name: "Plain"},
	)
	ctx := vm.HyperContext{Classes: classes}
	h := NewHeadless()

	res := h.HyperCall(ctx, call(vm.HyperOpenSchemeWindow, str("main"), str("menu"), str("")))
	if res.Err() != nil || res.Value().Int() == 0 {
		t.Fatalf("open: %v, %v", res.Value(), res.Err())
	}
	w, ok := h.Window("MAIN")
	if !ok || w.Kind != WindowScheme || w.Source != "Menu" {
		t.Errorf("window = %+v", w)
	}

	res = h.HyperCall(ctx, call(vm.HyperOpenSchemeWindow, str("other"), str("Plain"), str("")))
	if !errors.Is(res.Err(), ErrNoScheme) {
		t.Errorf("err = %v, want ErrNoScheme", res.Err())
	}
	res = h.HyperCall(ctx, call(vm.HyperOpenSchemeWindow, str("x"), str("Nope"), str("")))
	if !errors.Is(res.Err(), ErrUnknownClass) {
		t.Errorf("err = %v, want ErrUnknownClass", res.Err())
	}
	res = h.HyperCall(ctx, call(vm.HyperOpenSchemeWindow, str("main"), str("Menu"), str("")))
	if !errors.Is(res.Err(), ErrWindowExists) {
		t.Errorf("err = %v, want ErrWindowExists", res.Err())
	}

	if v := h.HyperCall(ctx, call(vm.HyperCloseWindow, str("main"))).Value(); v.Float() != 1 {
		t.Errorf("close = %v", v)
	}
	if v := h.HyperCall(ctx, call(vm.HyperCloseWindow, str("main"))).Value(); v.Float() != 0 {
		t.Errorf("second close = %v", v)
	}
}

func TestFileOperations(t *testing.T) {
	dir := t.TempDir()
	ctx := vm.HyperContext{ProjectDir: dir}
	h := NewHeadless()

	r := await(t, h.HyperCall(ctx, call(vm.HyperCreateDir, str(`saves\slot1`))))
	if r.Err != nil || r.Value.Float() != 1 {
		t.Fatalf("CreateDir = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(dir, "saves", "slot1")); err != nil {
		t.Errorf("directory not created: %v", err)
	}

	r = await(t, h.HyperCall(ctx, call(vm.HyperFileExist, str(`saves\slot1`))))
	if r.Value.Float() != 1 {
		t.Errorf("FileExist(existing) = %v", r.Value)
	}
	r = await(t, h.HyperCall(ctx, call(vm.HyperFileExist, str("missing.dat"))))
	if r.Err != nil || r.Value.Float() != 0 {
		t.Errorf("FileExist(missing) = %+v", r)
	}
}

func TestLoadSpaceAndCreateWindow(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "level.vdr"), []byte("space"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := vm.HyperContext{ProjectDir: dir}
	h := NewHeadless()

	r := await(t, h.HyperCall(ctx, call(vm.HyperLoadSpaceWindow, str("level"), str("level.vdr"), str(""))))
	if r.Err != nil || r.Value.Kind() != vm.KindInt || r.Value.Int() == 0 {
		t.Fatalf("LoadSpaceWindow = %+v", r)
	}
	r = await(t, h.HyperCall(ctx, call(vm.HyperLoadSpaceWindow, str("gone"), str("gone.vdr"), str(""))))
	if r.Err == nil {
		t.Error("expected an error for a missing space file")
	}

	r = await(t, h.HyperCall(ctx, call(vm.HyperCreateWindowEx,
		str("popup"), str("level"), str(""),
		vm.FloatValue(10), vm.FloatValue(20), vm.FloatValue(300), vm.FloatValue(200),
		str("WS_POPUP"))))
	if r.Err != nil {
		t.Fatalf("CreateWindowEx: %v", r.Err)
	}
	w, ok := h.Window("popup")
	if !ok || w.Parent != "level" || w.Width != 300 || w.Handle != r.Value.Int() {
		t.Errorf("window = %+v", w)
	}
	if got := len(h.Windows()); got != 2 {
		t.Errorf("%d windows open, want 2", got)
	}
}

func TestStreams(t *testing.T) {
	dir := t.TempDir()
	ctx := vm.HyperContext{Project: 1, ProjectDir: dir}
	h := NewHeadless()

	r := await(t, h.HyperCall(ctx, call(vm.HyperCreateStream, str("FILE"), str("log.txt"), str("CREATE|WRITE"))))
	if r.Err != nil {
		t.Fatalf("CreateStream: %v", r.Err)
	}
	s, ok := h.Stream(r.Value.Int())
	if !ok {
		t.Fatal("stream not registered")
	}
	if _, err := io.WriteString(s, "hello"); err != nil {
		t.Fatal(err)
	}
	h.Release(ctx.Project)
	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("file = %q, %v", data, err)
	}
	if _, ok := h.Stream(r.Value.Int()); ok {
		t.Error("stream survived Release")
	}

	ctx.Project = 2
	r = await(t, h.HyperCall(ctx, call(vm.HyperCreateStream, str("SOCKET"), str("x"), str(""))))
	if !errors.Is(r.Err, ErrUnknownStream) {
		t.Errorf("err = %v, want ErrUnknownStream", r.Err)
	}
	r = await(t, h.HyperCall(ctx, call(vm.HyperCreateStream, str("MEMORY"), str(""), str(""))))
	if r.Err != nil || r.Value.Int() == 0 {
		t.Errorf("memory stream = %+v", r)
	}
}

func TestReleaseIsPerProject(t *testing.T) {
	dir := t.TempDir()
	classes := vm.NewMapTable(&vm.ClassPrototype{Name: "Menu", Scheme: []byte("scheme")})
	one := vm.HyperContext{Project: 1, ProjectDir: dir, Classes: classes}
	two := vm.HyperContext{Project: 2, ProjectDir: dir, Classes: classes}
	h := NewHeadless()

	if err := h.Attach(one.Project, "left"); err != nil {
		t.Fatal(err)
	}
	if err := h.Attach(two.Project, "right"); err != nil {
		t.Fatal(err)
	}
	if res := h.HyperCall(one, call(vm.HyperOpenSchemeWindow, str("a"), str("Menu"), str(""))); res.Err() != nil {
		t.Fatal(res.Err())
	}
	if res := h.HyperCall(two, call(vm.HyperOpenSchemeWindow, str("b"), str("Menu"), str(""))); res.Err() != nil {
		t.Fatal(res.Err())
	}
	r := await(t, h.HyperCall(two, call(vm.HyperCreateStream, str("MEMORY"), str(""), str(""))))
	if r.Err != nil {
		t.Fatal(r.Err)
	}
	kept := r.Value.Int()

	h.Release(one.Project)

	if _, ok := h.Window("a"); ok {
		t.Error("released project's window survived")
	}
	if w, ok := h.Window("b"); !ok || w.Owner != two.Project {
		t.Errorf("other project's window = %+v, %v", w, ok)
	}
	if _, ok := h.Stream(kept); !ok {
		t.Error("other project's stream was closed")
	}
	if h.Target(one.Project) != "" || h.Target(two.Project) != "right" {
		t.Errorf("targets = %q, %q", h.Target(one.Project), h.Target(two.Project))
	}

	// Operations finishing after the release open nothing.
	r = await(t, h.HyperCall(one, call(vm.HyperCreateStream, str("MEMORY"), str(""), str(""))))
	if r.Err == nil {
		t.Errorf("stream opened for a released project (%d)", r.Value.Int())
	}
	if got := len(h.Windows()); got != 1 {
		t.Errorf("%d windows open, want 1", got)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		dir, name, want string
	}{
		{"/proj", `data\a.txt`, filepath.Join("/proj", "data", "a.txt")},
		{"/proj", "b.txt", filepath.Join("/proj", "b.txt")},
		{"", "c/d.txt", filepath.Join("c", "d.txt")},
		{"/proj", "/abs/e.txt", filepath.FromSlash("/abs/e.txt")},
	}
	for _, tt := range tests {
		if got := Resolve(tt.dir, tt.name); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.dir, tt.name, got, tt.want)
		}
	}
}

// A project waits for a file hyper-call and resumes with its result.
func TestProjectWaitsForHost(t *testing.T) {
	dir := t.TempDir()
	b := vm.NewBytecodeBuilder()
	b.PushString("out")
	b.Emit(vm.OpCreateDir)
	b.StoreVar(0)
	root := &vm.ClassPrototype{
		Name: "Root",
		Vars: []vm.VarDecl{{Name: "Made", Type: vm.TypeFloat}},
		Code: b.Build(),
	}
	h := NewHeadless()
	p, err := vm.NewProject("Root", vm.NewMapTable(root), vm.WithHost(h), vm.WithDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Step(); err != nil {
		t.Fatal(err)
	}
	if !p.Waiting() {
		t.Fatal("project should wait for CreateDir")
	}
	h.Wait()
	if err := p.Step(); err != nil {
		t.Fatal(err)
	}
	if p.Waiting() {
		t.Fatal("project still waiting after reply")
	}
	if v, _ := p.Var(vm.RootID, "Made"); v.Float() != 1 {
		t.Errorf("Made = %v, want 1", v)
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); err != nil {
		t.Errorf("directory missing: %v", err)
	}
}
