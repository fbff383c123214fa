// Package manifest handles stratum.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up in project directories.
const FileName = "stratum.toml"

// Manifest represents a stratum.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	Classes Classes     `toml:"classes"`
	Run     RunConfig   `toml:"run"`
	State   StateConfig `toml:"state"`
	Log     LogConfig   `toml:"log"`

	// Dir is the directory containing the stratum.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
	Root string `toml:"root"`
	Dir  string `toml:"dir"` // working directory reported to class code
}

// Classes configures where class prototypes are loaded from.
type Classes struct {
	Paths []string `toml:"paths"`
}

// RunConfig configures the scheduler.
type RunConfig struct {
	Executor string `toml:"executor"` // "smooth" or "fastest"
	FPS      int    `toml:"fps"`
	Steps    int    `toml:"steps"` // >0: run this many ticks headless and exit
	Strict   bool   `toml:"strict"`
}

// StateConfig configures variable-set persistence.
type StateConfig struct {
	DB   string `toml:"db"`
	Load bool   `toml:"load"`
	Save bool   `toml:"save"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the manifest used when no stratum.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses a stratum.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Project.Name == "" {
		m.Project.Name = filepath.Base(m.Dir)
	}
	if m.Project.Root == "" {
		m.Project.Root = "Root"
	}
	if m.Project.Dir == "" {
		m.Project.Dir = "."
	}
	if len(m.Classes.Paths) == 0 {
		m.Classes.Paths = []string{"classes"}
	}
	if m.Run.Executor == "" {
		m.Run.Executor = "smooth"
	}
	if m.Run.FPS <= 0 {
		m.Run.FPS = 60
	}
	if m.State.DB == "" {
		m.State.DB = filepath.Join(".stratum", "state.db")
	}
}

// Validate checks values that have no sensible fallback.
func (m *Manifest) Validate() error {
	switch m.Run.Executor {
	case "smooth", "fastest":
	default:
		return fmt.Errorf("run.executor must be \"smooth\" or \"fastest\", got %q", m.Run.Executor)
	}
	if m.Run.Steps < 0 {
		return fmt.Errorf("run.steps must not be negative, got %d", m.Run.Steps)
	}
	return nil
}

// FindAndLoad walks up from startDir to find a stratum.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ClassPaths returns absolute paths for the configured class directories.
func (m *Manifest) ClassPaths() []string {
	var paths []string
	for _, d := range m.Classes.Paths {
		paths = append(paths, m.abs(d))
	}
	return paths
}

// ProjectDir returns the absolute working directory of the project.
func (m *Manifest) ProjectDir() string {
	return m.abs(m.Project.Dir)
}

// StatePath returns the absolute path of the variable-set database.
func (m *Manifest) StatePath() string {
	return m.abs(m.State.DB)
}

func (m *Manifest) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
