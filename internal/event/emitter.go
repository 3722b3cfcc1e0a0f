package event

import "sync"

// Emitter delivers values to a dynamic set of listeners.
// Listeners can be added and removed concurrently with Fire.
//
// A buffered emitter holds fired values while it has no listeners and flushes them,
// in order, to the first listener that subscribes. This keeps early faults from being
// dropped before the owner gets around to observing them. A buffered emitter also delivers
// one value at a time, so its listeners must not call Fire or On on it.
type Emitter[T any] struct {
	// deliver serializes deliveries of a buffered emitter, flushes included
	deliver sync.Mutex

	m         sync.Mutex
	buffered  bool
	disposed  bool
	nextID    uint64
	listeners []listener[T]
	pending   []T
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func New[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// NewBuffered returns an emitter which buffers values until it has a listener.
func NewBuffered[T any]() *Emitter[T] {
	return &Emitter[T]{buffered: true}
}

// On adds a listener and returns a function which removes it.
func (e *Emitter[T]) On(fn func(T)) (unsubscribe func()) {
	if e.buffered {
		// a concurrent Fire must not overtake the flush
		e.deliver.Lock()
		defer e.deliver.Unlock()
	}
	e.m.Lock()
	if e.disposed {
		e.m.Unlock()
		return func() {}
	}
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	pending := e.pending
	e.pending = nil
	e.m.Unlock()

	for _, v := range pending {
		fn(v)
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.m.Lock()
	defer e.m.Unlock()
	for i := 0; i < len(e.listeners); i++ {
		if e.listeners[i].id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Fire calls every listener with v. Listeners are called on the caller's goroutine.
func (e *Emitter[T]) Fire(v T) {
	if e.buffered {
		e.deliver.Lock()
		defer e.deliver.Unlock()
	}
	e.m.Lock()
	if e.disposed {
		e.m.Unlock()
		return
	}
	if len(e.listeners) == 0 {
		if e.buffered {
			e.pending = append(e.pending, v)
		}
		e.m.Unlock()
		return
	}
	ls := make([]listener[T], len(e.listeners))
	copy(ls, e.listeners)
	e.m.Unlock()

	for _, l := range ls {
		l.fn(v)
	}
}

// Once returns a channel that receives the next fired value.
func (e *Emitter[T]) Once() <-chan T {
	ch := make(chan T, 1)
	unsubCh := make(chan func(), 1)
	var once sync.Once
	unsub := e.On(func(v T) {
		once.Do(func() {
			ch <- v
			// the listener may fire before On has returned the unsubscribe func
			go func() { (<-unsubCh)() }()
		})
	})
	unsubCh <- unsub
	return ch
}

// Dispose removes all listeners and drops buffered values. Further Fire calls are ignored.
func (e *Emitter[T]) Dispose() {
	e.m.Lock()
	defer e.m.Unlock()
	e.disposed = true
	e.listeners = nil
	e.pending = nil
}
