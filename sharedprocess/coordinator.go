package sharedprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/guseggert/servicebus/agent"
	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/internal/async"
	"github.com/guseggert/servicebus/internal/event"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/lifecycle"
	"github.com/guseggert/servicebus/services/logservice"
	"go.uber.org/zap"
)

// CoordinatorID resolves to the *Coordinator of the main process.
var CoordinatorID = instantiation.NewServiceIdentifier("sharedProcess")

type State int

const (
	// StateIdle is the zero State. A Coordinator leaves it on construction.
	StateIdle State = iota
	StateAwaitingFirstRequest
	StateSpawningBackgroundProcess
	StateAwaitingIpcReady
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstRequest:
		return "awaitingFirstRequest"
	case StateSpawningBackgroundProcess:
		return "spawningBackgroundProcess"
	case StateAwaitingIpcReady:
		return "awaitingIpcReady"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Requester is whoever asked for a connection to the shared process, typically a UI process.
type Requester interface {
	// Destroyed reports whether the requester went away.
	Destroyed() bool
	// Deliver hands the requester its transport, tagged with the nonce it asked with.
	Deliver(nonce string, t ipc.Transport) error
}

// Coordinator owns the shared process. The process is spawned lazily, once, when the first
// connection request arrives, and it is never restarted. Faults are re-emitted on OnFault.
type Coordinator struct {
	log   *zap.SugaredLogger
	spawn Spawner

	ctx    context.Context
	cancel context.CancelFunc

	firstRequest   *async.Barrier
	ipcReadySignal *async.Future[struct{}]
	initDone       *async.Future[struct{}]

	ipcReady *async.Future[Process]

	faults *event.Emitter[Fault]

	m          sync.Mutex
	state      State
	proc       Process
	removeVeto func()
	shutDown   bool
}

type CoordinatorOption func(c *Coordinator)

func WithLogger(l *zap.SugaredLogger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = l.Named("sharedprocess")
	}
}

// WithLifecycle shuts the coordinator down when lc shuts down.
func WithLifecycle(lc *lifecycle.Service) CoordinatorOption {
	return func(c *Coordinator) {
		lc.OnWillShutdown(func(e lifecycle.ShutdownEvent) { c.Shutdown(e.Reason) })
	}
}

// CoordinatorCtor builds a Coordinator from the log and lifecycle services.
// Its single static argument is the Spawner.
var CoordinatorCtor = &instantiation.Ctor{
	Name: "SharedProcess",
	Deps: []*instantiation.ServiceIdentifier{logservice.ServiceID, lifecycle.ServiceID},
	New: func(deps []any, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected a spawner argument, got %d arguments", len(args))
		}
		spawn, ok := args[0].(Spawner)
		if !ok {
			return nil, fmt.Errorf("expected a Spawner argument, got %T", args[0])
		}
		lc, ok := deps[1].(*lifecycle.Service)
		if !ok {
			return nil, fmt.Errorf("expected *lifecycle.Service, got %T", deps[1])
		}
		return NewCoordinator(spawn, WithLogger(logservice.From(deps[0])), WithLifecycle(lc)), nil
	},
}

func NewCoordinator(spawn Spawner, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		log:            zap.NewNop().Sugar(),
		spawn:          spawn,
		ctx:            ctx,
		cancel:         cancel,
		firstRequest:   async.NewBarrier(),
		ipcReadySignal: async.NewFuture[struct{}](),
		initDone:       async.NewFuture[struct{}](),
		ipcReady:       async.NewFuture[Process](),
		faults:         event.NewBuffered[Fault](),
		state:          StateAwaitingFirstRequest,
	}
	for _, o := range opts {
		o(c)
	}
	go c.start()
	return c
}

func (c *Coordinator) State() State {
	c.m.Lock()
	defer c.m.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.m.Lock()
	c.state = s
	c.m.Unlock()
	c.log.Debugf("state %s", s)
}

// Initialized reports whether the shared process has created all of its services.
func (c *Coordinator) Initialized() bool {
	if !c.initDone.Resolved() {
		return false
	}
	_, err := c.initDone.Wait(context.Background())
	return err == nil
}

// OnFault subscribes to health faults. Faults raised before the first subscription are
// delivered to it.
func (c *Coordinator) OnFault(listener func(Fault)) (unsubscribe func()) {
	return c.faults.On(listener)
}

// whenIpcReady waits for the process to accept connections.
// The spawn itself only happens once the first connection request opened the barrier.
func (c *Coordinator) whenIpcReady(ctx context.Context) (Process, error) {
	return c.ipcReady.Wait(ctx)
}

// start runs the spawn sequence. It is started by NewCoordinator and blocks on the first request.
func (c *Coordinator) start() {
	if err := c.firstRequest.Wait(c.ctx); err != nil || c.ctx.Err() != nil {
		c.ipcReady.Resolve(nil, ErrShutdown)
		return
	}

	c.setState(StateSpawningBackgroundProcess)
	proc, err := c.spawn(c.ctx, sink{c: c})
	if err != nil {
		c.ipcReady.Resolve(nil, fmt.Errorf("spawning shared process: %w", err))
		return
	}

	c.m.Lock()
	if c.shutDown {
		c.m.Unlock()
		// shutdown won the race with the spawn
		if err := proc.Kill(); err != nil {
			c.log.Debugf("killing shared process spawned during shutdown: %s", err)
		}
		c.ipcReady.Resolve(nil, ErrShutdown)
		return
	}
	c.proc = proc
	c.removeVeto = proc.OnClose(c.vetoClose)
	c.state = StateAwaitingIpcReady
	c.m.Unlock()
	c.log.Debugf("state %s", StateAwaitingIpcReady)

	if _, err := c.ipcReadySignal.Wait(c.ctx); err != nil {
		if c.ctx.Err() != nil {
			err = ErrShutdown
		}
		c.ipcReady.Resolve(nil, err)
		return
	}
	c.setState(StateReady)
	c.ipcReady.Resolve(proc, nil)
}

// vetoClose keeps the shared process alive when something other than Shutdown closes it.
// A visible process is hidden instead.
func (c *Coordinator) vetoClose(e *CloseEvent) {
	c.m.Lock()
	proc := c.proc
	c.m.Unlock()
	if proc != nil && proc.Visible() {
		if err := proc.Hide(); err != nil {
			c.log.Debugf("hiding shared process: %s", err)
		}
	}
	e.Prevent()
}

// WhenReady waits until the shared process accepts connections and has created all of its services.
func (c *Coordinator) WhenReady(ctx context.Context) error {
	if _, err := c.whenIpcReady(ctx); err != nil {
		return err
	}
	_, err := c.initDone.Wait(ctx)
	return err
}

// Connect returns a fresh transport to the shared process, for use by the main process itself.
// Like everything else it waits for the first connection request.
func (c *Coordinator) Connect(ctx context.Context) (ipc.Transport, error) {
	proc, err := c.whenIpcReady(ctx)
	if err != nil {
		return nil, err
	}
	t, err := proc.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to shared process: %w", err)
	}
	return t, nil
}

// HandleConnectionRequest serves a requester's ask for a transport to the shared process.
// The first request releases the spawn. If the requester went away while the shared process was
// starting, the transport is closed rather than delivered.
func (c *Coordinator) HandleConnectionRequest(ctx context.Context, req Requester, nonce string) error {
	c.firstRequest.Open()

	if err := c.WhenReady(ctx); err != nil {
		return err
	}
	t, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	if req.Destroyed() {
		c.log.Debugw("requester went away, discarding its transport", "Nonce", nonce)
		if err := t.Close(); err != nil {
			c.log.Debugf("closing discarded transport: %s", err)
		}
		return ErrRequesterGone
	}
	if err := req.Deliver(nonce, t); err != nil {
		t.Close()
		return fmt.Errorf("delivering transport: %w", err)
	}
	return nil
}

// Toggle shows the shared process if it is hidden and hides it otherwise.
func (c *Coordinator) Toggle(ctx context.Context) error {
	proc, err := c.whenIpcReady(ctx)
	if err != nil {
		return err
	}
	c.m.Lock()
	shutDown := c.shutDown
	c.m.Unlock()
	if shutDown {
		return ErrShutdown
	}
	if proc.Visible() {
		return proc.Hide()
	}
	return proc.Show()
}

// Visible reports whether the shared process is shown.
func (c *Coordinator) Visible() bool {
	c.m.Lock()
	proc := c.proc
	c.m.Unlock()
	return proc != nil && proc.Visible()
}

// Shutdown stops the shared process. An orderly shutdown tells it to exit, removes the close veto
// and closes it, tolerating errors. A kill skips the notification and terminates it at once.
// Waiters are released with ErrShutdown. Only the first call has an effect.
func (c *Coordinator) Shutdown(reason lifecycle.ShutdownReason) {
	c.m.Lock()
	if c.shutDown {
		c.m.Unlock()
		return
	}
	c.shutDown = true
	proc, removeVeto := c.proc, c.removeVeto
	c.proc, c.removeVeto = nil, nil
	c.m.Unlock()

	c.cancel()
	c.ipcReadySignal.Resolve(struct{}{}, ErrShutdown)
	c.initDone.Resolve(struct{}{}, ErrShutdown)
	if proc == nil {
		// possibly too early, before it was spawned
		return
	}

	c.log.Debugw("shutting down shared process", "Reason", reason)
	if reason == lifecycle.ShutdownReasonKill {
		if err := proc.Kill(); err != nil {
			c.log.Debugf("killing shared process: %s", err)
		}
		return
	}

	c.send(proc, agent.SignalExit)
	if removeVeto != nil {
		removeVeto()
	}
	if err := proc.Close(); err != nil {
		c.log.Debugf("closing shared process: %s", err)
	}
}

func (c *Coordinator) send(proc Process, signal string) {
	if !proc.Alive() {
		c.log.Warnf("Sending IPC message to channel '%s' for shared process that is destroyed", signal)
		return
	}
	if err := proc.Send(signal); err != nil {
		c.log.Warnf("Error sending IPC message to channel '%s' of shared process: %s", signal, err)
	}
}

type sink struct {
	c *Coordinator
}

func (s sink) Signal(name string) {
	s.c.log.Debugf("shared process signaled %s", name)
	switch name {
	case agent.SignalIpcReady:
		s.c.ipcReadySignal.Resolve(struct{}{}, nil)
	case agent.SignalInitDone:
		s.c.initDone.Resolve(struct{}{}, nil)
	}
}

func (s sink) Fault(f Fault) {
	if f.Kind != FaultUnresponsive {
		// release anybody still waiting for a process that is gone
		s.c.ipcReadySignal.Resolve(struct{}{}, f)
		s.c.initDone.Resolve(struct{}{}, f)
	}
	s.c.faults.Fire(f)
}
