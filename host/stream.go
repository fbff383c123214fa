package host

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/khokm/stratum-player/vm"
)

// Stream is a byte stream opened by CREATE_STREAM. FILE streams are backed
// by a file under the project directory, MEMORY streams by a buffer.
type Stream struct {
	Kind string
	Path string

	owner vm.ProjectID

	mu   sync.Mutex
	file *os.File
	buf  bytes.Buffer
}

// openStream opens a stream of the given type. flags is a list of words
// separated by spaces, commas or '|': READ, WRITE, CREATE, APPEND.
func openStream(kind, path, flags string) (*Stream, error) {
	switch strings.ToUpper(kind) {
	case "MEMORY":
		return &Stream{Kind: "MEMORY"}, nil
	case "FILE", "":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, kind)
	}

	mode := os.O_RDONLY
	var write bool
	for _, f := range strings.FieldsFunc(strings.ToUpper(flags), func(r rune) bool {
		return r == ' ' || r == ',' || r == '|'
	}) {
		switch f {
		case "WRITE":
			write = true
		case "CREATE":
			write = true
			mode |= os.O_CREATE
		case "APPEND":
			write = true
			mode |= os.O_APPEND
		}
	}
	if write {
		mode = mode&^os.O_RDONLY | os.O_RDWR
	}
	f, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return nil, err
	}
	return &Stream{Kind: "FILE", Path: path, file: f}, nil
}

// Write appends p to the stream.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Write(p)
	}
	return s.buf.Write(p)
}

// Read reads from the stream.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Read(p)
	}
	return s.buf.Read(p)
}

// Close releases the file of a FILE stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
