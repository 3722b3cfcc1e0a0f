package ipc

import "context"

// EventStream adapts an event to the stream a ServerChannel's Listen returns.
// subscribe is called once; the listener it returns is removed and the stream closed when ctx is done.
// Values are buffered so a slow caller never blocks whoever fires the event.
func EventStream[T any](ctx context.Context, subscribe func(listener func(T)) (unsubscribe func())) <-chan any {
	q := newQueue[any]()
	unsubscribe := subscribe(func(v T) { q.push(v) })

	out := make(chan any)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			v, ok := q.pop(ctx.Done())
			if !ok {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
