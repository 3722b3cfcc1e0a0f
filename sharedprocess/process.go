package sharedprocess

import (
	"context"
	"errors"

	"github.com/guseggert/servicebus/ipc"
)

var (
	// ErrCloseVetoed is returned by Process.Close when a close listener prevented it.
	ErrCloseVetoed = errors.New("close vetoed")
	// ErrProcessGone is returned when talking to a shared process that has exited.
	ErrProcessGone = errors.New("shared process is gone")
	// ErrShutdown is returned by operations that were waiting when the coordinator shut down.
	ErrShutdown = errors.New("shared process coordinator shut down")
	// ErrRequesterGone is returned when a requester went away before its connection was ready.
	ErrRequesterGone = errors.New("requester went away")
)

// Process is a running shared process.
type Process interface {
	// Connect opens a new transport to the shared process. Every caller gets its own.
	Connect(ctx context.Context) (ipc.Transport, error)
	// Send delivers a control signal such as "exit".
	Send(signal string) error
	Visible() bool
	Show() error
	Hide() error
	Alive() bool
	// OnClose adds a listener consulted by Close. A listener may prevent the close.
	OnClose(listener func(e *CloseEvent)) (remove func())
	// Close asks the process to exit, unless a close listener prevents it.
	Close() error
	// Kill terminates the process immediately.
	Kill() error
}

type CloseEvent struct {
	prevented bool
}

func (e *CloseEvent) Prevent() { e.prevented = true }

func (e *CloseEvent) Prevented() bool { return e.prevented }

// Sink receives what a spawned process reports.
type Sink interface {
	// Signal reports a control signal from the process, like "ipc-ready" or "init-done".
	Signal(name string)
	Fault(f Fault)
}

// Spawner starts a shared process reporting to sink. ctx bounds the start only.
type Spawner func(ctx context.Context, sink Sink) (Process, error)
