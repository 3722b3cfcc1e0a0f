package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/servicebus/internal/errs"
	"go.uber.org/zap"
)

const defaultUnknownChannelTimeout = 200 * time.Millisecond

// Connection multiplexes named channels over a Transport.
type Connection struct {
	log       *zap.SugaredLogger
	transport Transport
	caller    string

	unknownChannelTimeout time.Duration

	// ctx is the parent of every inbound request context and ends when the connection closes.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMut sync.Mutex

	m            sync.Mutex
	closed       bool
	remoteCaller string
	channels     map[string]ServerChannel
	channelAdded chan struct{}
	queues       map[string]*queue[*inboundRequest]
	inbound      map[uint64]context.CancelFunc
	pending      map[uint64]*pendingRequest
	nextID       uint64
	closeOnce    sync.Once
}

type ConnectionOption func(c *Connection)

func WithLogger(l *zap.SugaredLogger) ConnectionOption {
	return func(c *Connection) {
		c.log = l
	}
}

// WithUnknownChannelTimeout sets how long a request for an unregistered channel waits for a
// RegisterChannel before it fails with ErrUnknownChannel.
func WithUnknownChannelTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.unknownChannelTimeout = d
	}
}

type pendingRequest struct {
	channel string
	name    string
	resp    chan frame
	// events is set for listens
	events *queue[json.RawMessage]
	acked  bool
}

type inboundRequest struct {
	f      frame
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection takes ownership of t and announces caller to the remote peer.
func NewConnection(t Transport, caller string, opts ...ConnectionOption) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		log:                   zap.NewNop().Sugar(),
		transport:             t,
		caller:                caller,
		unknownChannelTimeout: defaultUnknownChannelTimeout,
		ctx:                   ctx,
		cancel:                cancel,
		done:                  make(chan struct{}),
		channels:              map[string]ServerChannel{},
		channelAdded:          make(chan struct{}),
		queues:                map[string]*queue[*inboundRequest]{},
		inbound:               map[uint64]context.CancelFunc{},
		pending:               map[uint64]*pendingRequest{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("connection").With("Caller", caller)

	if err := c.send(ctx, frame{T: frameInit, A: mustMarshal(caller)}); err != nil {
		c.log.Debugf("sending init frame: %s", err)
		c.Close()
		return c
	}
	go c.readLoop()
	return c
}

// RegisterChannel makes sc serve requests for name, replacing any earlier registration.
func (c *Connection) RegisterChannel(name string, sc ServerChannel) {
	c.m.Lock()
	defer c.m.Unlock()
	c.channels[name] = sc
	close(c.channelAdded)
	c.channelAdded = make(chan struct{})
}

// GetChannel returns a client for the channel name registered by the remote peer.
// Nothing is sent until the channel is used.
func (c *Connection) GetChannel(name string) Channel {
	return &connChannel{conn: c, name: name}
}

// RemoteCaller returns the caller name announced by the remote peer, or "" if its init frame has not arrived.
func (c *Connection) RemoteCaller() string {
	c.m.Lock()
	defer c.m.Unlock()
	return c.remoteCaller
}

// Done is closed once the connection is closed, either locally or because the transport failed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close fails pending calls with ErrConnectionClosed, ends active listens and closes the transport.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.m.Lock()
		c.closed = true
		pending := c.pending
		c.pending = map[uint64]*pendingRequest{}
		queues := c.queues
		c.m.Unlock()

		close(c.done)
		err = c.transport.Close()
		c.cancel()
		for _, p := range pending {
			if p.events != nil {
				p.events.close()
			}
		}
		for _, q := range queues {
			q.close()
		}
		c.log.Debug("connection closed")
	})
	return err
}

func (c *Connection) isClosed() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.closed
}

func (c *Connection) send(ctx context.Context, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", f.T, err)
	}
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if err := c.transport.Send(ctx, b); err != nil {
		if c.isClosed() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("sending %s frame: %w", f.T, err)
	}
	return nil
}

// sendDetached is for frames nobody waits on, like cancellations and replies.
func (c *Connection) sendDetached(f frame) {
	if err := c.send(c.ctx, f); err != nil && !c.isClosed() {
		c.log.Debugw("error sending frame", "Type", f.T, "ID", f.ID, "Error", err)
	}
}

func (c *Connection) readLoop() {
	defer errs.Recover()
	defer c.Close()
	for {
		// closing the transport unblocks Receive
		b, err := c.transport.Receive(context.Background())
		if err != nil {
			if !c.isClosed() {
				c.log.Debugf("transport receive ended: %s", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			c.log.Debugf("dropping malformed frame: %s", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Connection) handleFrame(f frame) {
	switch f.T {
	case frameInit:
		var caller string
		_ = json.Unmarshal(f.A, &caller)
		c.m.Lock()
		c.remoteCaller = caller
		c.m.Unlock()
		c.log.Debugf("remote peer is %q", caller)
	case frameCall, frameListen:
		c.enqueue(f)
	case frameCancel:
		c.m.Lock()
		cancel := c.inbound[f.ID]
		delete(c.inbound, f.ID)
		c.m.Unlock()
		if cancel != nil {
			cancel()
		}
	case frameResult, frameError, frameAck:
		c.m.Lock()
		p := c.pending[f.ID]
		ackedListen := p != nil && p.acked && p.events != nil
		if p != nil && f.T == frameAck {
			p.acked = true
		}
		c.m.Unlock()
		if p == nil {
			return
		}
		if ackedListen {
			// the remote gave up on a running stream
			p.events.close()
			return
		}
		select {
		case p.resp <- f:
		default:
		}
	case frameEvent, frameDone:
		c.m.Lock()
		p := c.pending[f.ID]
		c.m.Unlock()
		if p == nil || p.events == nil {
			return
		}
		if f.T == frameDone {
			p.events.close()
			return
		}
		p.events.push(f.A)
	default:
		c.log.Debugf("dropping frame of unknown type %q", f.T)
	}
}

// register allocates an id for an outgoing request.
func (c *Connection) register(p *pendingRequest) (uint64, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return 0, ErrConnectionClosed
	}
	c.nextID++
	c.pending[c.nextID] = p
	return c.nextID, nil
}

func (c *Connection) unregister(id uint64) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.pending, id)
}

// startCall sends a call frame and returns a function awaiting its reply.
func (c *Connection) startCall(ctx context.Context, channel, command string, arg any) (func() (json.RawMessage, error), error) {
	a, err := marshalArg(arg)
	if err != nil {
		return nil, fmt.Errorf("marshaling argument of %s.%s: %w", channel, command, err)
	}
	p := &pendingRequest{channel: channel, name: command, resp: make(chan frame, 1)}
	id, err := c.register(p)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, frame{T: frameCall, ID: id, Ch: channel, N: command, A: a}); err != nil {
		c.unregister(id)
		return nil, err
	}
	return func() (json.RawMessage, error) {
		defer c.unregister(id)
		select {
		case f := <-p.resp:
			return replyValue(f)
		case <-c.done:
			select {
			case f := <-p.resp:
				return replyValue(f)
			default:
			}
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			c.sendDetached(frame{T: frameCancel, ID: id})
			return nil, cancelled(ctx)
		}
	}, nil
}

func replyValue(f frame) (json.RawMessage, error) {
	if f.T == frameError {
		if f.E == nil {
			return nil, &RemoteError{Name: "Error", Message: "unknown error"}
		}
		return nil, f.E.err()
	}
	return f.A, nil
}

// startListen sends a listen frame and returns a function awaiting the subscription.
func (c *Connection) startListen(ctx context.Context, channel, event string, arg any) (func() (<-chan json.RawMessage, error), error) {
	a, err := marshalArg(arg)
	if err != nil {
		return nil, fmt.Errorf("marshaling argument of %s.%s: %w", channel, event, err)
	}
	p := &pendingRequest{channel: channel, name: event, resp: make(chan frame, 1), events: newQueue[json.RawMessage]()}
	id, err := c.register(p)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, frame{T: frameListen, ID: id, Ch: channel, N: event, A: a}); err != nil {
		c.unregister(id)
		return nil, err
	}
	return func() (<-chan json.RawMessage, error) {
		select {
		case f := <-p.resp:
			if f.T == frameError {
				c.unregister(id)
				_, err := replyValue(f)
				return nil, err
			}
		case <-c.done:
			c.unregister(id)
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			c.unregister(id)
			c.sendDetached(frame{T: frameCancel, ID: id})
			return nil, cancelled(ctx)
		}

		out := make(chan json.RawMessage)
		go func() {
			defer close(out)
			defer c.unregister(id)
		relay:
			for {
				v, ok := p.events.pop(ctx.Done())
				if !ok {
					break
				}
				select {
				case out <- v:
				case <-ctx.Done():
					break relay
				}
			}
			if ctx.Err() != nil && !c.isClosed() {
				c.sendDetached(frame{T: frameCancel, ID: id})
			}
		}()
		return out, nil
	}, nil
}

func (c *Connection) enqueue(f frame) {
	ctx, cancel := context.WithCancel(c.ctx)
	req := &inboundRequest{f: f, ctx: ctx, cancel: cancel}

	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		cancel()
		return
	}
	c.inbound[f.ID] = cancel
	q, ok := c.queues[f.Ch]
	if !ok {
		q = newQueue[*inboundRequest]()
		c.queues[f.Ch] = q
		go c.serve(f.Ch, q)
	}
	c.m.Unlock()

	q.push(req)
}

// serve dispatches the requests of one channel in arrival order.
func (c *Connection) serve(channel string, q *queue[*inboundRequest]) {
	defer errs.Recover()
	for {
		req, ok := q.pop(c.done)
		if !ok {
			return
		}
		c.dispatch(channel, req)
	}
}

func (c *Connection) finishInbound(req *inboundRequest) {
	c.m.Lock()
	delete(c.inbound, req.f.ID)
	c.m.Unlock()
	req.cancel()
}

func (c *Connection) dispatch(channel string, req *inboundRequest) {
	if req.ctx.Err() != nil {
		// cancelled before it got its turn
		c.finishInbound(req)
		return
	}
	f := req.f
	sc, err := c.waitForChannel(req.ctx, channel)
	if err != nil {
		c.finishInbound(req)
		if errors.Is(err, ErrUnknownChannel) {
			c.log.Debugw("request for unknown channel", "Channel", channel, "Name", f.N)
			c.sendDetached(frame{T: frameError, ID: f.ID, E: toWireError(err)})
		}
		return
	}

	caller := c.RemoteCaller()
	ctx := WithCaller(req.ctx, caller)
	switch f.T {
	case frameCall:
		res, err := safeCall(func() (any, error) { return sc.Call(ctx, caller, f.N, f.A) })
		c.finishInbound(req)
		c.reply(f, res, err)
	case frameListen:
		stream, err := safeListen(func() (<-chan any, error) { return sc.Listen(ctx, caller, f.N, f.A) })
		if err != nil {
			c.finishInbound(req)
			c.sendDetached(frame{T: frameError, ID: f.ID, E: toWireError(err)})
			return
		}
		c.sendDetached(frame{T: frameAck, ID: f.ID})
		go c.relayEvents(req, stream)
	}
}

func (c *Connection) reply(f frame, res any, err error) {
	if err == nil {
		var a json.RawMessage
		a, err = marshalArg(res)
		if err == nil {
			c.sendDetached(frame{T: frameResult, ID: f.ID, A: a})
			return
		}
		err = fmt.Errorf("marshaling result of %s.%s: %w", f.Ch, f.N, err)
	}
	c.log.Debugw("call failed", "Channel", f.Ch, "Command", f.N, "Error", err)
	c.sendDetached(frame{T: frameError, ID: f.ID, E: toWireError(err)})
}

func (c *Connection) relayEvents(req *inboundRequest, stream <-chan any) {
	defer errs.Recover()
	defer c.finishInbound(req)
	for {
		select {
		case v, ok := <-stream:
			if !ok {
				c.sendDetached(frame{T: frameDone, ID: req.f.ID})
				return
			}
			a, err := marshalArg(v)
			if err != nil {
				c.log.Debugw("dropping event that cannot be marshaled", "Event", req.f.N, "Error", err)
				continue
			}
			c.sendDetached(frame{T: frameEvent, ID: req.f.ID, A: a})
		case <-req.ctx.Done():
			return
		}
	}
}

func (c *Connection) waitForChannel(ctx context.Context, name string) (ServerChannel, error) {
	timer := time.NewTimer(c.unknownChannelTimeout)
	defer timer.Stop()
	for {
		c.m.Lock()
		sc := c.channels[name]
		added := c.channelAdded
		c.m.Unlock()
		if sc != nil {
			return sc, nil
		}
		select {
		case <-added:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func safeCall(fn func() (any, error)) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.FromPanic(r)
			errs.OnUnexpectedError(err)
		}
	}()
	return fn()
}

func safeListen(fn func() (<-chan any, error)) (stream <-chan any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.FromPanic(r)
			errs.OnUnexpectedError(err)
		}
	}()
	return fn()
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// connChannel is the client side of one channel of a Connection.
type connChannel struct {
	conn *Connection
	name string
}

func (ch *connChannel) Call(ctx context.Context, command string, arg any) (json.RawMessage, error) {
	wait, err := ch.conn.startCall(ctx, ch.name, command, arg)
	if err != nil {
		return nil, err
	}
	return wait()
}

func (ch *connChannel) Listen(ctx context.Context, event string, arg any) (<-chan json.RawMessage, error) {
	wait, err := ch.conn.startListen(ctx, ch.name, event, arg)
	if err != nil {
		return nil, err
	}
	return wait()
}

func (ch *connChannel) startCall(ctx context.Context, command string, arg any) (func() (json.RawMessage, error), error) {
	return ch.conn.startCall(ctx, ch.name, command, arg)
}

func (ch *connChannel) startListen(ctx context.Context, event string, arg any) (func() (<-chan json.RawMessage, error), error) {
	return ch.conn.startListen(ctx, ch.name, event, arg)
}
