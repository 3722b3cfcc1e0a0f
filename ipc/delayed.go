package ipc

import (
	"context"
	"encoding/json"
	"sync"
)

// sequencedChannel can split sending a request from waiting for its reply,
// which lets queued requests go out in the order they were made.
type sequencedChannel interface {
	startCall(ctx context.Context, command string, arg any) (func() (json.RawMessage, error), error)
	startListen(ctx context.Context, event string, arg any) (func() (<-chan json.RawMessage, error), error)
}

// DelayedChannel is a Channel whose target is not known yet. Calls and listens made before
// Resolve are queued and replayed, in the order they were made, once the target is known.
type DelayedChannel struct {
	m        sync.Mutex
	resolved bool
	ch       Channel
	err      error
	queued   []func(ch Channel, err error)
}

func NewDelayedChannel() *DelayedChannel {
	return &DelayedChannel{}
}

// Resolve sets the target. If err is non-nil every queued and future request fails with it.
// Calls after the first are ignored.
func (d *DelayedChannel) Resolve(ch Channel, err error) {
	d.m.Lock()
	defer d.m.Unlock()
	if d.resolved {
		return
	}
	d.resolved, d.ch, d.err = true, ch, err
	for _, op := range d.queued {
		op(ch, err)
	}
	d.queued = nil
}

type callResult struct {
	v   json.RawMessage
	err error
}

func (d *DelayedChannel) Call(ctx context.Context, command string, arg any) (json.RawMessage, error) {
	d.m.Lock()
	if d.resolved {
		ch, err := d.ch, d.err
		d.m.Unlock()
		if err != nil {
			return nil, err
		}
		return ch.Call(ctx, command, arg)
	}
	res := make(chan callResult, 1)
	d.queued = append(d.queued, func(ch Channel, err error) {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			res <- callResult{err: err}
			return
		}
		if s, ok := ch.(sequencedChannel); ok {
			wait, err := s.startCall(ctx, command, arg)
			if err != nil {
				res <- callResult{err: err}
				return
			}
			go func() {
				v, err := wait()
				res <- callResult{v: v, err: err}
			}()
			return
		}
		go func() {
			v, err := ch.Call(ctx, command, arg)
			res <- callResult{v: v, err: err}
		}()
	})
	d.m.Unlock()

	select {
	case r := <-res:
		return r.v, r.err
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
}

type listenResult struct {
	stream <-chan json.RawMessage
	err    error
}

func (d *DelayedChannel) Listen(ctx context.Context, event string, arg any) (<-chan json.RawMessage, error) {
	d.m.Lock()
	if d.resolved {
		ch, err := d.ch, d.err
		d.m.Unlock()
		if err != nil {
			return nil, err
		}
		return ch.Listen(ctx, event, arg)
	}
	res := make(chan listenResult, 1)
	d.queued = append(d.queued, func(ch Channel, err error) {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			res <- listenResult{err: err}
			return
		}
		if s, ok := ch.(sequencedChannel); ok {
			wait, err := s.startListen(ctx, event, arg)
			if err != nil {
				res <- listenResult{err: err}
				return
			}
			go func() {
				stream, err := wait()
				res <- listenResult{stream: stream, err: err}
			}()
			return
		}
		go func() {
			stream, err := ch.Listen(ctx, event, arg)
			res <- listenResult{stream: stream, err: err}
		}()
	})
	d.m.Unlock()

	select {
	case r := <-res:
		return r.stream, r.err
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
}
