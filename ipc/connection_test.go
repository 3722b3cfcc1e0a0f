package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/servicebus/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func newPair(t *testing.T, serverOpts ...ConnectionOption) (server, client *Connection) {
	a, b := Pipe()
	server = NewConnection(a, "main", append([]ConnectionOption{WithLogger(log)}, serverOpts...)...)
	client = NewConnection(b, "window:1", WithLogger(log))
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

type recordingChannel struct {
	m       sync.Mutex
	calls   []string
	callers []string
}

func (r *recordingChannel) Call(ctx context.Context, caller string, command string, arg json.RawMessage) (any, error) {
	r.m.Lock()
	defer r.m.Unlock()
	r.calls = append(r.calls, command)
	r.callers = append(r.callers, caller)
	return command, nil
}

func (r *recordingChannel) Listen(ctx context.Context, caller string, event string, arg json.RawMessage) (<-chan any, error) {
	return nil, &UnknownEventError{Channel: "rec", Event: event}
}

func (r *recordingChannel) recorded() []string {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]string(nil), r.calls...)
}

type blockingChannel struct {
	started   chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func newBlockingChannel() *blockingChannel {
	return &blockingChannel{started: make(chan struct{}), cancelled: make(chan struct{})}
}

func (b *blockingChannel) Call(ctx context.Context, caller string, command string, arg json.RawMessage) (any, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	close(b.cancelled)
	return nil, ctx.Err()
}

func (b *blockingChannel) Listen(ctx context.Context, caller string, event string, arg json.RawMessage) (<-chan any, error) {
	return nil, &UnknownEventError{Channel: "block", Event: event}
}

type testService struct {
	messages *event.Emitter[string]
	subs     atomic.Int32
}

func newTestService() *testService {
	return &testService{messages: event.New[string]()}
}

func (s *testService) Echo(ctx context.Context, msg string) (string, error) { return msg, nil }

func (s *testService) Sum(ctx context.Context, xs []int) (int, error) {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total, nil
}

func (s *testService) Fail(ctx context.Context) error { return errors.New("it failed") }

func (s *testService) OnMessage(fn func(string)) func() {
	s.subs.Add(1)
	unsub := s.messages.On(fn)
	return func() {
		unsub()
		s.subs.Add(-1)
	}
}

// helper, not exposed
func (s *testService) unexported() {}

func TestProxyRoundTrip(t *testing.T) {
	server, client := newPair(t)
	svc := newTestService()
	server.RegisterChannel("test", FromService("test", svc))
	proxy := ToService(client.GetChannel("test"))
	ctx := context.Background()

	cases := []struct {
		name   string
		method string
		arg    any
		expect any
	}{
		{name: "string arg", method: "echo", arg: "hello", expect: "hello"},
		{name: "slice arg", method: "sum", arg: []int{1, 2, 3}, expect: float64(6)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var res any
			require.NoError(t, proxy.Call(ctx, c.method, &res, c.arg))
			assert.Equal(t, c.expect, res)
		})
	}

	t.Run("remote error keeps message", func(t *testing.T) {
		err := proxy.Call(ctx, "fail", nil, nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "it failed", remote.Message)
		assert.Equal(t, "it failed", err.Error())
	})

	t.Run("unknown command", func(t *testing.T) {
		err := proxy.Call(ctx, "unexported", nil, nil)
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := proxy.Listen(ctx, "onNothing")
		assert.ErrorIs(t, err, ErrUnknownEvent)
	})

	t.Run("method set is checked locally", func(t *testing.T) {
		restricted := ToService(client.GetChannel("test"), WithMethods("echo"))
		err := restricted.Call(ctx, "sum", nil, []int{1})
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("event set is checked locally", func(t *testing.T) {
		restricted := ToService(client.GetChannel("test"), WithEvents())
		_, err := restricted.Listen(ctx, "onMessage")
		assert.ErrorIs(t, err, ErrUnknownEvent)
		assert.Zero(t, svc.subs.Load())

		allowed := ToService(client.GetChannel("test"), WithEvents("onMessage"))
		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		_, err = allowed.Listen(listenCtx, "onMessage")
		require.NoError(t, err)
		assert.EqualValues(t, 1, svc.subs.Load())
	})
}

func TestProxyEventRelayUntilUnsubscribe(t *testing.T) {
	server, client := newPair(t)
	svc := newTestService()
	server.RegisterChannel("test", FromService("test", svc))
	proxy := ToService(client.GetChannel("test"))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := proxy.Listen(ctx, "onMessage")
	require.NoError(t, err)
	require.Equal(t, int32(1), svc.subs.Load())

	svc.messages.Fire("a")
	svc.messages.Fire("b")
	for _, expect := range []string{"a", "b"} {
		select {
		case raw := <-stream:
			v, err := Decode[string](raw)
			require.NoError(t, err)
			assert.Equal(t, expect, v)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	cancel()
	require.Eventually(t, func() bool { return svc.subs.Load() == 0 }, 5*time.Second, 10*time.Millisecond)
	for range stream {
	}
}

func TestTypedEventSubscription(t *testing.T) {
	server, client := newPair(t)
	svc := newTestService()
	server.RegisterChannel("test", FromService("test", svc))

	got := make(chan string, 1)
	unsubscribe, err := On(ToService(client.GetChannel("test")), "onMessage", func(s string) { got <- s })
	require.NoError(t, err)
	defer unsubscribe()

	svc.messages.Fire("typed")
	select {
	case v := <-got:
		assert.Equal(t, "typed", v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCallerIsRemoteName(t *testing.T) {
	server, client := newPair(t)
	rec := &recordingChannel{}
	server.RegisterChannel("rec", rec)

	raw, err := client.GetChannel("rec").Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	v, err := Decode[string](raw)
	require.NoError(t, err)
	assert.Equal(t, "ping", v)
	assert.Equal(t, []string{"window:1"}, rec.callers)
	assert.Equal(t, "window:1", server.RemoteCaller())
	assert.Equal(t, "main", client.RemoteCaller())
}

func TestSymmetricChannels(t *testing.T) {
	server, client := newPair(t)
	rec := &recordingChannel{}
	client.RegisterChannel("rec", rec)

	_, err := server.GetChannel("rec").Call(context.Background(), "fromMain", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, rec.callers)
}

func TestUnknownChannel(t *testing.T) {
	server, client := newPair(t, WithUnknownChannelTimeout(50*time.Millisecond))

	t.Run("fails after grace period", func(t *testing.T) {
		_, err := client.GetChannel("nope").Call(context.Background(), "x", nil)
		assert.ErrorIs(t, err, ErrUnknownChannel)
	})

	t.Run("late registration is served", func(t *testing.T) {
		errCh := make(chan error, 1)
		go func() {
			_, err := client.GetChannel("late").Call(context.Background(), "x", nil)
			errCh <- err
		}()
		time.Sleep(10 * time.Millisecond)
		server.RegisterChannel("late", &recordingChannel{})
		assert.NoError(t, <-errCh)
	})
}

func TestRegisterChannelReplaces(t *testing.T) {
	server, client := newPair(t)
	first, second := &recordingChannel{}, &recordingChannel{}
	server.RegisterChannel("rec", first)
	server.RegisterChannel("rec", second)

	_, err := client.GetChannel("rec").Call(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Empty(t, first.recorded())
	assert.Equal(t, []string{"x"}, second.recorded())
}

func TestPerChannelOrdering(t *testing.T) {
	server, client := newPair(t)
	rec := &recordingChannel{}
	server.RegisterChannel("rec", rec)

	var waits []func() (json.RawMessage, error)
	var expect []string
	for i := 0; i < 20; i++ {
		cmd := fmt.Sprintf("cmd%d", i)
		expect = append(expect, cmd)
		wait, err := client.startCall(context.Background(), "rec", cmd, nil)
		require.NoError(t, err)
		waits = append(waits, wait)
	}
	for _, wait := range waits {
		_, err := wait()
		require.NoError(t, err)
	}
	assert.Equal(t, expect, rec.recorded())
}

func TestChannelsAreIndependent(t *testing.T) {
	server, client := newPair(t)
	block := newBlockingChannel()
	server.RegisterChannel("block", block)
	server.RegisterChannel("rec", &recordingChannel{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = client.GetChannel("block").Call(ctx, "wait", nil) }()
	<-block.started

	_, err := client.GetChannel("rec").Call(context.Background(), "x", nil)
	assert.NoError(t, err)
}

func TestCancellation(t *testing.T) {
	server, client := newPair(t)
	block := newBlockingChannel()
	server.RegisterChannel("block", block)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.GetChannel("block").Call(ctx, "wait", nil)
		errCh <- err
	}()
	<-block.started
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, ErrOperationCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-block.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("server handler was not cancelled")
	}
}

func TestCloseTearsDownPendingWork(t *testing.T) {
	server, client := newPair(t)
	block := newBlockingChannel()
	server.RegisterChannel("block", block)
	server.RegisterChannel("test", FromService("test", newTestService()))

	callErr := make(chan error, 1)
	go func() {
		_, err := client.GetChannel("block").Call(context.Background(), "wait", nil)
		callErr <- err
	}()
	<-block.started

	stream, err := client.GetChannel("test").Listen(context.Background(), "onMessage", nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	assert.ErrorIs(t, <-callErr, ErrConnectionClosed)

	// the listen completes cleanly
	for range stream {
	}

	_, err = client.GetChannel("block").Call(context.Background(), "again", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = client.GetChannel("test").Listen(context.Background(), "onMessage", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// the remote side notices and releases its handlers
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server connection did not close")
	}
	select {
	case <-block.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("server handler was not cancelled")
	}
}

func TestRemoteCloseFailsInFlightCalls(t *testing.T) {
	server, client := newPair(t)
	block := newBlockingChannel()
	server.RegisterChannel("block", block)

	callErr := make(chan error, 1)
	go func() {
		_, err := client.GetChannel("block").Call(context.Background(), "wait", nil)
		callErr <- err
	}()
	<-block.started

	require.NoError(t, server.Close())
	assert.ErrorIs(t, <-callErr, ErrConnectionClosed)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	server, client := newPair(t)
	server.RegisterChannel("panic", FromService("panic", &panickyService{}))

	err := ToService(client.GetChannel("panic")).Call(context.Background(), "boom", nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "kaboom")

	// the channel keeps serving
	err = ToService(client.GetChannel("panic")).Call(context.Background(), "boom", nil, nil)
	assert.ErrorAs(t, err, &remote)
}

type panickyService struct{}

func (p *panickyService) Boom(ctx context.Context) error { panic("kaboom") }
