// Package varstore persists variable-set snapshots of projects in SQLite.
//
// A snapshot is keyed by project name and root class. Loading one yields a
// vm.VarSet that seeds a new project; saving captures the committed values
// of a running or closed project.
package varstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/khokm/stratum-player/vm"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("stratum.varstore")

// ErrSnapshotNotFound indicates there is no snapshot for a project/root.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Entry describes one stored snapshot.
type Entry struct {
	Project string
	Root    string
	SavedAt time.Time
}

// Store handles SQLite storage of snapshots.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens (creating if needed) the snapshot database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		project  TEXT NOT NULL,
		root     TEXT NOT NULL,
		data     TEXT NOT NULL,
		saved_at INTEGER NOT NULL,
		PRIMARY KEY (project, root)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores vs as the snapshot of project, replacing any earlier one.
// The root class name is taken from vs.
func (s *Store) Save(project string, vs *vm.VarSet) error {
	if vs == nil {
		return errors.New("saving snapshot: nil variable set")
	}
	data, err := json.Marshal(vs)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (project, root, data, saved_at) VALUES (?, ?, ?, ?)",
		project, strings.ToLower(vs.ClassName), string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	log.Debugf("saved snapshot %s/%s", project, vs.ClassName)
	return nil
}

// Load retrieves the snapshot of project for root.
func (s *Store) Load(project, root string) (*vm.VarSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow(
		"SELECT data FROM snapshots WHERE project = ? AND root = ?",
		project, strings.ToLower(root),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	var vs vm.VarSet
	if err := json.Unmarshal([]byte(data), &vs); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &vs, nil
}

// Delete removes the snapshot of project for root. Deleting a missing
// snapshot is not an error.
func (s *Store) Delete(project, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"DELETE FROM snapshots WHERE project = ? AND root = ?",
		project, strings.ToLower(root),
	)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// List returns the snapshots stored for project, ordered by root.
func (s *Store) List(project string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT project, root, saved_at FROM snapshots WHERE project = ? ORDER BY root",
		project,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var saved int64
		if err := rows.Scan(&e.Project, &e.Root, &saved); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		e.SavedAt = time.Unix(saved, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveOnClose stores the project's snapshot when it closes. It returns the
// function that cancels the subscription.
func (s *Store) SaveOnClose(project string, p *vm.Project) func() {
	return p.Subscribe(vm.EventClosed, func(string) {
		if err := s.Save(project, p.Snapshot()); err != nil {
			log.Errorf("%s: %v", project, err)
		}
	})
}
