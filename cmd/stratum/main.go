// Stratum CLI - runs a project headless or serves projects over Connect
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/khokm/stratum-player/host"
	"github.com/khokm/stratum-player/library"
	"github.com/khokm/stratum-player/manifest"
	"github.com/khokm/stratum-player/server"
	"github.com/khokm/stratum-player/varstore"
	"github.com/khokm/stratum-player/vm"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "compile":
			handleCompileCommand(os.Args[2:])
			return
		case "disasm":
			handleDisasmCommand(os.Args[2:])
			return
		}
	}

	verbose := flag.Bool("v", false, "Verbose output")
	verbosity := flag.Int("verbosity", -1, "Log verbosity (overrides stratum.toml)")
	dir := flag.String("dir", ".", "Project directory (searched upwards for stratum.toml)")
	root := flag.String("root", "", "Root class (overrides stratum.toml)")
	steps := flag.Int("steps", -1, "Run this many ticks headless, then exit")
	executor := flag.String("executor", "", "Scheduler: smooth or fastest")
	fps := flag.Int("fps", 0, "Ticks per second for the smooth scheduler")
	strict := flag.Bool("strict", false, "Fail when a child class is missing")
	noState := flag.Bool("no-state", false, "Neither load nor save variable sets")
	serveMode := flag.Bool("serve", false, "Serve projects over Connect (HTTP/JSON)")
	servePort := flag.Int("port", 4567, "Server port (used with -serve)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stratum [options]\n")
		fmt.Fprintf(os.Stderr, "       stratum compile [-o out.slib] [dirs...]\n")
		fmt.Fprintf(os.Stderr, "       stratum disasm <class> [dirs...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads the classes configured in stratum.toml and plays the root class.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  stratum                       # play until the project closes\n")
		fmt.Fprintf(os.Stderr, "  stratum -steps 100 -v         # run 100 ticks and print the root variables\n")
		fmt.Fprintf(os.Stderr, "  stratum -serve -port 8080     # serve the control API on :8080\n")
	}
	flag.Parse()

	m, err := loadManifest(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	applyFlags(m, *root, *steps, *executor, *fps, *strict, *noState)

	level := m.Log.Verbosity
	if *verbose && level < 2 {
		level = 2
	}
	if *verbosity >= 0 {
		level = *verbosity
	}
	commonlog.Configure(level, nil)

	lib, err := library.Load(m.Dir, m.ClassPaths()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading classes: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("Loaded %d classes from %v\n", lib.Len(), m.ClassPaths())
	}

	var store *varstore.Store
	if m.State.Load || m.State.Save {
		store, err = varstore.Open(m.StatePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	if *serveMode {
		opts := []server.ServerOption{
			server.WithProjectDir(m.ProjectDir()),
			server.WithHostFactory(func() vm.Host { return host.NewHeadless() }),
		}
		if store != nil {
			opts = append(opts, server.WithStore(store))
		}
		srv := server.New(lib, opts...)
		defer srv.Stop()
		if err := srv.ListenAndServe(fmt.Sprintf(":%d", *servePort)); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if code := run(m, lib, store, *verbose); code != 0 {
		os.Exit(code)
	}
}

// loadManifest finds stratum.toml from dir upwards, falling back to the
// defaults rooted at dir.
func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return manifest.Default(abs), nil
}

func applyFlags(m *manifest.Manifest, root string, steps int, executor string, fps int, strict, noState bool) {
	if root != "" {
		m.Project.Root = root
	}
	if steps >= 0 {
		m.Run.Steps = steps
	}
	if executor != "" {
		m.Run.Executor = executor
	}
	if fps > 0 {
		m.Run.FPS = fps
	}
	if strict {
		m.Run.Strict = true
	}
	if noState {
		m.State.Load = false
		m.State.Save = false
	}
}

// run plays the root class and returns the process exit code.
func run(m *manifest.Manifest, lib *library.Library, store *varstore.Store, verbose bool) int {
	opts := []vm.Option{
		vm.WithHost(host.NewHeadless()),
		vm.WithDir(m.ProjectDir()),
		vm.WithStrict(m.Run.Strict),
		vm.WithExecutor(vm.ExecutorByName(m.Run.Executor, m.Run.FPS)),
	}
	if store != nil && m.State.Load {
		vs, err := store.Load(m.Project.Name, m.Project.Root)
		switch {
		case err == nil:
			opts = append(opts, vm.WithVarSet(vs))
		case !errors.Is(err, varstore.ErrSnapshotNotFound):
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	p, err := vm.NewProject(m.Project.Root, lib, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if store != nil && m.State.Save {
		store.SaveOnClose(m.Project.Name, p)
	}
	if verbose {
		for _, mc := range p.Diag().MissingCommands {
			fmt.Printf("Missing %s (used by %v)\n", mc.Name, mc.ClassNames)
		}
	}

	errc := make(chan string, 1)
	closed := make(chan struct{}, 1)
	p.Subscribe(vm.EventError, func(msg string) {
		select {
		case errc <- msg:
		default:
		}
	})
	p.Subscribe(vm.EventClosed, func(string) {
		select {
		case closed <- struct{}{}:
		default:
		}
	})

	if m.Run.Steps > 0 {
		for i := 0; i < m.Run.Steps; i++ {
			if err := p.Step(); err != nil {
				break
			}
		}
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := p.Play(m.Project.Name); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		select {
		case msg := <-errc:
			errc <- msg
		case <-closed:
		case <-ctx.Done():
		}
	}

	failed := p.State() == vm.StateError
	if verbose {
		printSummary(p)
	}
	p.Close()

	if failed {
		fmt.Fprintf(os.Stderr, "Error: %s\n", <-errc)
		return 1
	}
	return 0
}

func printSummary(p *vm.Project) {
	d := p.Diag()
	fmt.Printf("%s: %s after %d iterations\n", p.Root(), p.State(), d.Iterations)
	if d.ReentrancyDenied > 0 {
		fmt.Printf("  %d nested calls denied\n", d.ReentrancyDenied)
	}
	vs := p.Snapshot()
	names := make([]string, 0, len(vs.Values))
	for name := range vs.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s = %s\n", name, vs.Values[name])
	}
}
