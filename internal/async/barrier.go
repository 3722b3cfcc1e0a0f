package async

import (
	"context"
	"sync"
)

// Barrier is a one-shot gate. It starts closed and, once opened, stays open forever.
// Waiters that arrive after Open return immediately.
type Barrier struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

func NewBarrier() *Barrier {
	b := &Barrier{}
	b.lazyInit()
	return b
}

func (b *Barrier) lazyInit() {
	b.init.Do(func() { b.ch = make(chan struct{}) })
}

// Open releases all current and future waiters. Only the first call has any effect.
func (b *Barrier) Open() {
	b.lazyInit()
	b.once.Do(func() { close(b.ch) })
}

func (b *Barrier) IsOpen() bool {
	b.lazyInit()
	select {
	case <-b.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the barrier opens.
func (b *Barrier) Done() <-chan struct{} {
	b.lazyInit()
	return b.ch
}

// Wait blocks until the barrier opens or ctx is done.
// The barrier itself never times out, so callers that need a bound must pass a ctx with a deadline.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
