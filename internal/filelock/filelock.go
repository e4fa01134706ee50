// Package filelock guards the supervisor's state directory: a single-instance
// lock for the run loop and atomic replacement of small state files.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another supervisor holds the instance lock.
var ErrAlreadyRunning = errors.New("another supervisor is already running in this directory")

// InstanceLock is an advisory lock file held for the lifetime of a run.
type InstanceLock struct {
	flock *flock.Flock
	path  string
}

// NewInstanceLock creates the lock for path. Nothing is acquired yet.
func NewInstanceLock(path string) *InstanceLock {
	return &InstanceLock{
		flock: flock.New(path),
		path:  path,
	}
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking. ErrAlreadyRunning means another
// process holds it.
func (l *InstanceLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *InstanceLock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// AtomicWrite replaces path with data via a temp file in the same directory
// and a rename, so readers never observe a partial file. Parent directories
// are created as needed.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	committed = true
	return nil
}
