// Package markers implements the side channel between the supervisor and the
// worker: small files in the state directory that say an iteration is in
// flight and let the worker report a finished task before it exits.
package markers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/harrison/ralph/internal/filelock"
)

// Marker file names inside the state directory.
const (
	Active        = "active"
	PassesCount   = "passes-count"
	StoryComplete = "story-complete"
)

// Store is where marker files live. The supervisor only needs to create,
// test and delete them.
type Store interface {
	Write(name string, data []byte) error
	Exists(name string) (bool, error)
	Remove(name string) error
}

// FSStore keeps markers as files under Dir.
type FSStore struct {
	Dir string
}

// NewFSStore returns a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{Dir: dir}
}

func (s *FSStore) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Write replaces the marker atomically, creating Dir if needed.
func (s *FSStore) Write(name string, data []byte) error {
	if err := filelock.AtomicWrite(s.path(name), data); err != nil {
		return fmt.Errorf("write marker %s: %w", name, err)
	}
	return nil
}

// Exists reports whether the marker file is present.
func (s *FSStore) Exists(name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker %s: %w", name, err)
}

// Remove deletes the marker. A missing marker is not an error.
func (s *FSStore) Remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker %s: %w", name, err)
	}
	return nil
}

// MemStore keeps markers in memory. Tests use it in place of the state
// directory, and the fake worker writes story-complete into it directly.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

func (s *MemStore) Write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok, nil
}

func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

// Read returns a marker's content.
func (s *MemStore) Read(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// Names returns the markers currently present.
func (s *MemStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	return names
}
