/*
Package ipc implements the channel protocol used between the main process, the shared process and UI processes.

A Connection owns one Transport and multiplexes any number of named channels over it. Either peer
may register ServerChannels and get client Channels for the channels registered by the other side.
Requests carry a correlation id; replies, events and stream completions are routed back to the
waiting caller by that id.

Every frame is a JSON object. The first frame a peer sends is "init", carrying its caller name
(for example "main" or "window:3"); the receiving side passes that name to its ServerChannels.
*/
package ipc

import (
	"context"
	"encoding/json"
)

// Channel is the client side of a named channel.
type Channel interface {
	// Call invokes command with arg and returns the JSON-encoded result.
	Call(ctx context.Context, command string, arg any) (json.RawMessage, error)
	// Listen subscribes to event. Each value the remote fires is delivered on the returned channel,
	// which is closed when ctx is done, the remote ends the stream, or the connection closes.
	Listen(ctx context.Context, event string, arg any) (<-chan json.RawMessage, error)
}

// ServerChannel handles the requests of a named channel.
// Requests on one channel are dispatched one at a time, in the order they arrived.
type ServerChannel interface {
	Call(ctx context.Context, caller string, command string, arg json.RawMessage) (any, error)
	// Listen returns a stream of values to relay to the caller. The stream should be closed when
	// ctx is done; values sent after that are discarded.
	Listen(ctx context.Context, caller string, event string, arg json.RawMessage) (<-chan any, error)
}

// Transport carries whole messages between two peers.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	// Receive blocks until a message arrives. It returns an error once the transport is closed.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Decode unmarshals a value received from a Channel.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

type callerKey struct{}

// WithCaller returns a context carrying the name of the remote peer that issued a request.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller stored by WithCaller.
func CallerFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(callerKey{}).(string)
	return c, ok
}
