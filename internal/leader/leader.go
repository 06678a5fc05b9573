// Package leader elects the single process per host responsible for token
// refresh. Election is modeled as an interface so the file lock can be
// swapped for a distributed lease without touching the manager.
package leader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Elector grants leadership to at most one holder at a time. Acquire is
// non-blocking: a false result means another leader is active, which is a
// normal condition rather than an error.
type Elector interface {
	Acquire() (bool, error)
	Release() error
}

// FileLock elects a leader with a non-blocking exclusive advisory lock on a
// well-known filesystem path. The file carries no data; it exists only as a
// mutual-exclusion token.
type FileLock struct {
	lock *flock.Flock
}

func NewFileLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &FileLock{lock: flock.New(path)}, nil
}

func (f *FileLock) Acquire() (bool, error) {
	acquired, err := f.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring advisory lock %s: %w", f.lock.Path(), err)
	}
	return acquired, nil
}

func (f *FileLock) Release() error {
	if err := f.lock.Unlock(); err != nil {
		return fmt.Errorf("releasing advisory lock %s: %w", f.lock.Path(), err)
	}
	return nil
}
