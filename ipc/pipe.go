package ipc

import (
	"context"
	"io"
	"sync"
)

// Pipe returns two connected in-memory transports. Messages sent on one are received on the other,
// in order. Sends never block. Closing either end closes both.
func Pipe() (Transport, Transport) {
	p := &pipe{done: make(chan struct{})}
	a := &pipeEnd{p: p, in: newQueue[[]byte]()}
	b := &pipeEnd{p: p, in: newQueue[[]byte]()}
	a.out, b.out = b.in, a.in
	return a, b
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	p   *pipe
	in  *queue[[]byte]
	out *queue[[]byte]
}

func (e *pipeEnd) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.p.done:
		return io.ErrClosedPipe
	default:
	}
	b := make([]byte, len(msg))
	copy(b, msg)
	if !e.out.push(b) {
		return io.ErrClosedPipe
	}
	return nil
}

func (e *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	stop := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-finished:
		}
	}()
	if b, ok := e.in.pop(stop); ok {
		return b, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() {
		close(e.p.done)
		e.in.close()
		e.out.close()
	})
	return nil
}
