package sharedprocess

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/internal/event"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/lifecycle"
	"github.com/guseggert/servicebus/services/logservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

// trackedTransport records whether it was closed.
type trackedTransport struct {
	ipc.Transport
	closed atomic.Bool
}

func (t *trackedTransport) Close() error {
	t.closed.Store(true)
	return t.Transport.Close()
}

type fakeProcess struct {
	register func(c *ipc.Connection)

	closeListeners *event.Emitter[*CloseEvent]

	m          sync.Mutex
	alive      bool
	visible    bool
	killed     bool
	closed     bool
	sent       []string
	transports []*trackedTransport
	conns      []*ipc.Connection
}

func newFakeProcess(register func(c *ipc.Connection)) *fakeProcess {
	return &fakeProcess{
		register:       register,
		closeListeners: event.New[*CloseEvent](),
		alive:          true,
	}
}

func (p *fakeProcess) Connect(ctx context.Context) (ipc.Transport, error) {
	server, client := ipc.Pipe()
	conn := ipc.NewConnection(server, "sharedProcess", ipc.WithLogger(log))
	if p.register != nil {
		p.register(conn)
	}
	t := &trackedTransport{Transport: client}
	p.m.Lock()
	defer p.m.Unlock()
	p.transports = append(p.transports, t)
	p.conns = append(p.conns, conn)
	return t, nil
}

func (p *fakeProcess) Send(signal string) error {
	p.m.Lock()
	defer p.m.Unlock()
	if !p.alive {
		return ErrProcessGone
	}
	p.sent = append(p.sent, signal)
	return nil
}

func (p *fakeProcess) Visible() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.visible
}

func (p *fakeProcess) Show() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.visible = true
	return nil
}

func (p *fakeProcess) Hide() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.visible = false
	return nil
}

func (p *fakeProcess) Alive() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.alive
}

func (p *fakeProcess) OnClose(listener func(e *CloseEvent)) (remove func()) {
	return p.closeListeners.On(listener)
}

func (p *fakeProcess) Close() error {
	e := &CloseEvent{}
	p.closeListeners.Fire(e)
	if e.Prevented() {
		return ErrCloseVetoed
	}
	p.m.Lock()
	defer p.m.Unlock()
	p.closed = true
	p.alive = false
	return nil
}

func (p *fakeProcess) Kill() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.killed = true
	p.alive = false
	return nil
}

// ended reports whether the process was closed and whether it was killed.
func (p *fakeProcess) ended() (closed, killed bool) {
	p.m.Lock()
	defer p.m.Unlock()
	return p.closed, p.killed
}

func (p *fakeProcess) sentSignals() []string {
	p.m.Lock()
	defer p.m.Unlock()
	return append([]string(nil), p.sent...)
}

type fakeSpawner struct {
	proc *fakeProcess
	// ready makes a spawned process signal ipc-ready and init-done right away
	ready bool

	spawns atomic.Int32
	sinkCh chan Sink
}

func newFakeSpawner(proc *fakeProcess, ready bool) *fakeSpawner {
	return &fakeSpawner{proc: proc, ready: ready, sinkCh: make(chan Sink, 1)}
}

func (s *fakeSpawner) spawn(ctx context.Context, sink Sink) (Process, error) {
	s.spawns.Add(1)
	s.sinkCh <- sink
	if s.ready {
		go func() {
			sink.Signal("ipc-ready")
			sink.Signal("init-done")
		}()
	}
	return s.proc, nil
}

func (s *fakeSpawner) sink(t *testing.T) Sink {
	select {
	case sink := <-s.sinkCh:
		return sink
	case <-time.After(5 * time.Second):
		t.Fatal("nothing was spawned")
		return nil
	}
}

type fakeRequester struct {
	destroyed atomic.Bool

	m         sync.Mutex
	delivered map[string]ipc.Transport
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{delivered: map[string]ipc.Transport{}}
}

func (r *fakeRequester) Destroyed() bool { return r.destroyed.Load() }

func (r *fakeRequester) Deliver(nonce string, t ipc.Transport) error {
	r.m.Lock()
	defer r.m.Unlock()
	r.delivered[nonce] = t
	return nil
}

func newTestCoordinator(t *testing.T, s *fakeSpawner) *Coordinator {
	c := NewCoordinator(s.spawn, WithLogger(log))
	t.Cleanup(func() { c.Shutdown(lifecycle.ShutdownReasonKill) })
	return c
}

func timeoutCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSingleSpawnUnderConcurrentRequests(t *testing.T) {
	proc := newFakeProcess(nil)
	spawner := newFakeSpawner(proc, true)
	c := newTestCoordinator(t, spawner)
	req := newFakeRequester()

	ctx := timeoutCtx(t)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		nonce := fmt.Sprintf("nonce-%d", i)
		g.Go(func() error {
			return c.HandleConnectionRequest(gctx, req, nonce)
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, spawner.spawns.Load())
	assert.Len(t, req.delivered, 5)
	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.Initialized())

	// every requester gets its own transport
	proc.m.Lock()
	assert.Len(t, proc.transports, 5)
	proc.m.Unlock()
}

func TestAwaitsFirstRequestFromConstruction(t *testing.T) {
	spawner := newFakeSpawner(newFakeProcess(nil), true)
	c := newTestCoordinator(t, spawner)

	assert.Equal(t, StateAwaitingFirstRequest, c.State())
	assert.False(t, c.Initialized())
	assert.False(t, c.Visible())

	require.NoError(t, c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n"))
	assert.Equal(t, StateReady, c.State())
}

func TestNothingSpawnsBeforeFirstRequest(t *testing.T) {
	spawner := newFakeSpawner(newFakeProcess(nil), true)
	c := newTestCoordinator(t, spawner)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 0, spawner.spawns.Load())
	assert.Equal(t, StateAwaitingFirstRequest, c.State())
	assert.False(t, c.Initialized())

	// a connection request releases the waiting Connect as well
	connected := make(chan error, 1)
	go func() {
		_, err := c.Connect(timeoutCtx(t))
		connected <- err
	}()
	require.NoError(t, c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n"))
	require.NoError(t, <-connected)
	assert.EqualValues(t, 1, spawner.spawns.Load())
}

func TestDiscardedEndpointIsClosed(t *testing.T) {
	proc := newFakeProcess(nil)
	spawner := newFakeSpawner(proc, false)
	c := newTestCoordinator(t, spawner)
	req := newFakeRequester()

	errCh := make(chan error, 1)
	go func() { errCh <- c.HandleConnectionRequest(timeoutCtx(t), req, "n") }()

	sink := spawner.sink(t)
	// the requester goes away while the shared process is starting
	req.destroyed.Store(true)
	sink.Signal("ipc-ready")
	sink.Signal("init-done")

	require.ErrorIs(t, <-errCh, ErrRequesterGone)
	assert.Empty(t, req.delivered)
	proc.m.Lock()
	defer proc.m.Unlock()
	require.Len(t, proc.transports, 1)
	assert.True(t, proc.transports[0].closed.Load())
}

func TestWhenReadyWaitsForInitDone(t *testing.T) {
	spawner := newFakeSpawner(newFakeProcess(nil), false)
	c := newTestCoordinator(t, spawner)

	ready := make(chan error, 1)
	go func() { ready <- c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n") }()
	sink := spawner.sink(t)
	sink.Signal("ipc-ready")

	// Connect only needs ipc-ready
	_, err := c.Connect(timeoutCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())
	assert.False(t, c.Initialized())
	select {
	case <-ready:
		t.Fatal("request served before init-done")
	case <-time.After(50 * time.Millisecond):
	}

	sink.Signal("init-done")
	require.NoError(t, <-ready)
	assert.True(t, c.Initialized())
}

func TestFaultsAreBufferedAndNotRestarted(t *testing.T) {
	spawner := newFakeSpawner(newFakeProcess(nil), false)
	c := newTestCoordinator(t, spawner)

	errCh := make(chan error, 1)
	go func() { errCh <- c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n") }()
	sink := spawner.sink(t)

	code := 3
	sink.Fault(Fault{Kind: FaultUnresponsive})
	sink.Fault(Fault{Kind: FaultLoadFailed, Details: &FaultDetails{Reason: "exit status 3", ExitCode: &code}})

	err := <-errCh
	var fault Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, FaultLoadFailed, fault.Kind)

	var got []FaultKind
	unsubscribe := c.OnFault(func(f Fault) { got = append(got, f.Kind) })
	defer unsubscribe()
	assert.Equal(t, []FaultKind{FaultUnresponsive, FaultLoadFailed}, got)

	// a later request does not respawn
	err = c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n2")
	require.ErrorAs(t, err, &fault)
	assert.EqualValues(t, 1, spawner.spawns.Load())
}

func TestFaultMessages(t *testing.T) {
	code := 137
	cases := []struct {
		name  string
		fault Fault
		exp   string
	}{
		{
			name:  "unresponsive",
			fault: Fault{Kind: FaultUnresponsive},
			exp:   "SharedProcess: detected unresponsive window",
		},
		{
			name:  "crashed",
			fault: Fault{Kind: FaultCrashed, Details: &FaultDetails{Reason: "signal: killed", ExitCode: &code}},
			exp:   "SharedProcess: crashed (detail: signal: killed, code: 137)",
		},
		{
			name:  "load failed without details",
			fault: Fault{Kind: FaultLoadFailed},
			exp:   "SharedProcess: failed to load (detail: <unknown>, code: <unknown>)",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, c.fault.Error())
		})
	}
}

func readyCoordinator(t *testing.T) (*Coordinator, *fakeProcess) {
	proc := newFakeProcess(nil)
	c := newTestCoordinator(t, newFakeSpawner(proc, true))
	require.NoError(t, c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n"))
	return c, proc
}

func TestCloseIsVetoedAndHides(t *testing.T) {
	c, proc := readyCoordinator(t)
	require.NoError(t, c.Toggle(timeoutCtx(t)))
	assert.True(t, c.Visible())

	require.ErrorIs(t, proc.Close(), ErrCloseVetoed)
	assert.False(t, proc.Visible())
	assert.True(t, proc.Alive())
}

func TestToggle(t *testing.T) {
	c, proc := readyCoordinator(t)
	require.NoError(t, c.Toggle(timeoutCtx(t)))
	assert.True(t, proc.Visible())
	require.NoError(t, c.Toggle(timeoutCtx(t)))
	assert.False(t, proc.Visible())

	c.Shutdown(lifecycle.ShutdownReasonQuit)
	require.ErrorIs(t, c.Toggle(timeoutCtx(t)), ErrShutdown)
}

func TestShutdown(t *testing.T) {
	t.Run("quit notifies and closes", func(t *testing.T) {
		c, proc := readyCoordinator(t)
		c.Shutdown(lifecycle.ShutdownReasonQuit)
		c.Shutdown(lifecycle.ShutdownReasonQuit)

		assert.Equal(t, []string{"exit"}, proc.sentSignals())
		closed, killed := proc.ended()
		assert.True(t, closed)
		assert.False(t, killed)
	})
	t.Run("kill skips the notification", func(t *testing.T) {
		c, proc := readyCoordinator(t)
		c.Shutdown(lifecycle.ShutdownReasonKill)

		assert.Empty(t, proc.sentSignals())
		closed, killed := proc.ended()
		assert.True(t, killed)
		assert.False(t, closed)
	})
	t.Run("quit tolerates a dead process", func(t *testing.T) {
		c, proc := readyCoordinator(t)
		proc.m.Lock()
		proc.alive = false
		proc.m.Unlock()
		c.Shutdown(lifecycle.ShutdownReasonQuit)

		assert.Empty(t, proc.sentSignals())
		closed, _ := proc.ended()
		assert.True(t, closed)
	})
	t.Run("before the first request", func(t *testing.T) {
		spawner := newFakeSpawner(newFakeProcess(nil), true)
		c := newTestCoordinator(t, spawner)
		c.Shutdown(lifecycle.ShutdownReasonQuit)

		err := c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n")
		require.ErrorIs(t, err, ErrShutdown)
		assert.EqualValues(t, 0, spawner.spawns.Load())
	})
	t.Run("releases waiters", func(t *testing.T) {
		spawner := newFakeSpawner(newFakeProcess(nil), false)
		c := newTestCoordinator(t, spawner)
		errCh := make(chan error, 1)
		go func() { errCh <- c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n") }()
		spawner.sink(t)

		c.Shutdown(lifecycle.ShutdownReasonQuit)
		require.ErrorIs(t, <-errCh, ErrShutdown)
	})
}

func TestCoordinatorFollowsLifecycle(t *testing.T) {
	proc := newFakeProcess(nil)
	spawner := newFakeSpawner(proc, true)
	svc := instantiation.New(instantiation.NewServiceCollection(
		logservice.Entry(log),
		instantiation.Entry{ID: lifecycle.ServiceID, Value: instantiation.NewDescriptor(lifecycle.Ctor)},
		instantiation.Entry{ID: CoordinatorID, Value: instantiation.NewDescriptor(CoordinatorCtor, Spawner(spawner.spawn))},
	))

	var lc *lifecycle.Service
	c, err := instantiation.Invoke(svc, func(a instantiation.Accessor) (*Coordinator, error) {
		var err error
		lc, err = instantiation.Get[*lifecycle.Service](a, lifecycle.ServiceID)
		if err != nil {
			return nil, err
		}
		return instantiation.Get[*Coordinator](a, CoordinatorID)
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleConnectionRequest(timeoutCtx(t), newFakeRequester(), "n"))

	lc.Shutdown(lifecycle.ShutdownReasonKill)
	_, killed := proc.ended()
	assert.True(t, killed)
	assert.Empty(t, proc.sentSignals())
	require.ErrorIs(t, c.Toggle(timeoutCtx(t)), ErrShutdown)
}
