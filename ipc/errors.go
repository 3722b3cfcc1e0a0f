package ipc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by calls and listens that were pending, or issued, after the connection closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrOperationCancelled is returned when the caller's context ends before a reply arrives.
	ErrOperationCancelled = errors.New("operation cancelled")
	// ErrUnknownChannel is returned when the remote never registered the requested channel.
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownEvent   = errors.New("unknown event")
)

const (
	kindUnknownChannel = "unknownChannel"
	kindUnknownCommand = "unknownCommand"
	kindUnknownEvent   = "unknownEvent"
)

type UnknownCommandError struct {
	Channel string
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrUnknownCommand, e.Channel, e.Command)
}

func (e *UnknownCommandError) Is(target error) bool { return target == ErrUnknownCommand }

type UnknownEventError struct {
	Channel string
	Event   string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrUnknownEvent, e.Channel, e.Event)
}

func (e *UnknownEventError) Is(target error) bool { return target == ErrUnknownEvent }

// NamedError lets a server-side error choose the name reported to the caller.
type NamedError interface {
	error
	ErrorName() string
}

// RemoteError is an error returned by the remote peer. Its name and message survive the wire.
type RemoteError struct {
	Name    string
	Message string
	kind    string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *RemoteError) ErrorName() string { return e.Name }

func (e *RemoteError) Is(target error) bool {
	switch e.kind {
	case kindUnknownChannel:
		return target == ErrUnknownChannel
	case kindUnknownCommand:
		return target == ErrUnknownCommand
	case kindUnknownEvent:
		return target == ErrUnknownEvent
	}
	return false
}

type wireError struct {
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

func toWireError(err error) *wireError {
	we := &wireError{Name: "Error", Message: err.Error()}
	var named NamedError
	if errors.As(err, &named) && named.ErrorName() != "" {
		we.Name = named.ErrorName()
		var remote *RemoteError
		if errors.As(err, &remote) {
			we.Message = remote.Message
		}
	}
	switch {
	case errors.Is(err, ErrUnknownChannel):
		we.Kind = kindUnknownChannel
	case errors.Is(err, ErrUnknownCommand):
		we.Kind = kindUnknownCommand
	case errors.Is(err, ErrUnknownEvent):
		we.Kind = kindUnknownEvent
	}
	return we
}

func (w *wireError) err() error {
	return &RemoteError{Name: w.Name, Message: w.Message, kind: w.Kind}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrOperationCancelled, ctx.Err())
}
