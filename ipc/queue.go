package ipc

import "sync"

// queue is an unbounded FIFO with a single consumer.
type queue[T any] struct {
	m      sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

// push appends v and reports whether the queue was still open.
func (q *queue[T]) push(v T) bool {
	q.m.Lock()
	if q.closed {
		q.m.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.m.Unlock()
	q.notify()
	return true
}

// close makes pop return false once the remaining items are drained.
func (q *queue[T]) close() {
	q.m.Lock()
	q.closed = true
	q.m.Unlock()
	q.notify()
}

func (q *queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available, the queue is closed and drained, or stop is closed.
func (q *queue[T]) pop(stop <-chan struct{}) (T, bool) {
	for {
		q.m.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.m.Unlock()
			return v, true
		}
		closed := q.closed
		q.m.Unlock()
		if closed {
			var zero T
			return zero, false
		}
		select {
		case <-q.signal:
		case <-stop:
			var zero T
			return zero, false
		}
	}
}
