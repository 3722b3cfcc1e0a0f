// Package instance guards against more than one main process running per user data dir.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("another instance is already running")

// Lock is a process-wide single instance lock backed by a lock file.
type Lock struct {
	path string

	m    sync.Mutex
	file *os.File
}

func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock, returning ErrLocked if some other process holds it.
// Acquiring an already held lock is a no-op.
func (l *Lock) Acquire() error {
	l.m.Lock()
	defer l.m.Unlock()
	if l.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	l.file = f
	return nil
}

// Release gives up the lock. Releasing a lock that is not held is a no-op.
func (l *Lock) Release() error {
	l.m.Lock()
	defer l.m.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}
	return closeErr
}
