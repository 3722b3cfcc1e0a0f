//go:build !unix

package instance

import (
	"os"
	"sync"
)

// Without flock, fall back to an in-process registry of held paths.
// This only protects against double acquisition within the same process.
var (
	heldMut sync.Mutex
	held    = map[string]bool{}
)

func lockFile(f *os.File) error {
	heldMut.Lock()
	defer heldMut.Unlock()
	if held[f.Name()] {
		return ErrLocked
	}
	held[f.Name()] = true
	return nil
}

func unlockFile(f *os.File) error {
	heldMut.Lock()
	defer heldMut.Unlock()
	delete(held, f.Name())
	return nil
}
