package sharedprocess

import (
	"io"
	"sync"
)

// multiWriter copies the shared process's stderr to a dynamic set of writers.
// Unlike io.MultiWriter, writers can be added and removed while the process runs,
// and a failing writer does not stop the others from receiving output.
type multiWriter struct {
	m       sync.Mutex
	writers []io.Writer
}

func newMultiWriter(writers ...io.Writer) *multiWriter {
	mw := &multiWriter{}
	for _, w := range writers {
		if w != nil {
			mw.writers = append(mw.writers, w)
		}
	}
	return mw
}

func (t *multiWriter) Add(w io.Writer) {
	t.m.Lock()
	defer t.m.Unlock()
	for _, existing := range t.writers {
		if existing == w {
			return
		}
	}
	t.writers = append(t.writers, w)
}

func (t *multiWriter) Remove(w io.Writer) {
	t.m.Lock()
	defer t.m.Unlock()
	for i := 0; i < len(t.writers); i++ {
		if t.writers[i] == w {
			t.writers = append(t.writers[:i], t.writers[i+1:]...)
			i--
		}
	}
}

// Write always reports the full length written, so the pipe feeding it never stalls the child.
func (t *multiWriter) Write(p []byte) (int, error) {
	t.m.Lock()
	defer t.m.Unlock()
	for _, w := range t.writers {
		w.Write(p)
	}
	return len(p), nil
}
