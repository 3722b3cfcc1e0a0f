package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/servicebus/internal/errs"
	"github.com/guseggert/servicebus/internal/event"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/ipc/wsipc"
	"github.com/guseggert/servicebus/lifecycle"
	"github.com/guseggert/servicebus/services/checksum"
	"github.com/guseggert/servicebus/services/update"
	"github.com/guseggert/servicebus/sharedprocess"
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

type stubChecksum struct{}

func (stubChecksum) Checksum(ctx context.Context) (string, error) { return "stub", nil }

// memProcess is a shared process living in memory.
type memProcess struct {
	closeListeners *event.Emitter[*sharedprocess.CloseEvent]

	m       sync.Mutex
	visible bool
	killed  bool
	sent    []string
}

func (p *memProcess) Connect(ctx context.Context) (ipc.Transport, error) {
	server, client := ipc.Pipe()
	conn := ipc.NewConnection(server, "sharedProcess", ipc.WithLogger(log))
	conn.RegisterChannel(checksum.ChannelName, ipc.FromService(checksum.ChannelName, stubChecksum{}))
	return client, nil
}

func (p *memProcess) Send(signal string) error {
	p.m.Lock()
	defer p.m.Unlock()
	p.sent = append(p.sent, signal)
	return nil
}

func (p *memProcess) Visible() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.visible
}

func (p *memProcess) Show() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.visible = true
	return nil
}

func (p *memProcess) Hide() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.visible = false
	return nil
}

func (p *memProcess) Alive() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return !p.killed
}

func (p *memProcess) OnClose(listener func(e *sharedprocess.CloseEvent)) func() {
	return p.closeListeners.On(listener)
}

func (p *memProcess) Close() error {
	e := &sharedprocess.CloseEvent{}
	p.closeListeners.Fire(e)
	if e.Prevented() {
		return sharedprocess.ErrCloseVetoed
	}
	return nil
}

func (p *memProcess) Kill() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.killed = true
	return nil
}

func (p *memProcess) state() (killed bool, sent []string) {
	p.m.Lock()
	defer p.m.Unlock()
	return p.killed, append([]string(nil), p.sent...)
}

type harness struct {
	app   *App
	addr  string
	proc  *memProcess
	sinks chan sharedprocess.Sink
}

func startApp(t *testing.T, opts ...Option) *harness {
	h := &harness{
		proc:  &memProcess{closeListeners: event.New[*sharedprocess.CloseEvent]()},
		sinks: make(chan sharedprocess.Sink, 1),
	}
	spawn := func(ctx context.Context, sink sharedprocess.Sink) (sharedprocess.Process, error) {
		h.sinks <- sink
		go func() {
			sink.Signal("ipc-ready")
			sink.Signal("init-done")
		}()
		return h.proc, nil
	}
	a, err := New(spawn, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	addr, err := a.Listen()
	require.NoError(t, err)
	go a.Run()
	t.Cleanup(func() { a.Shutdown(lifecycle.ShutdownReasonKill) })
	h.app = a
	h.addr = addr.String()
	return h
}

func timeoutCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUpdateChannel(t *testing.T) {
	h := startApp(t)
	tr, err := wsipc.Dial(timeoutCtx(t), log, "ws://"+h.addr+IPCPath, nil)
	require.NoError(t, err)
	conn := ipc.NewConnection(tr, "window:1", ipc.WithLogger(log))
	defer conn.Close()

	client := update.NewChannelClient(log, conn.GetChannel(update.ChannelName))
	states := make(chan update.State, 10)
	unsubscribe := client.OnStateChange(func(s update.State) { states <- s })
	defer unsubscribe()

	// the subscription is set up in the background, so check until it catches a change
	var got update.State
	deadline := time.Now().Add(5 * time.Second)
	for found := false; !found; {
		require.True(t, time.Now().Before(deadline), "no state change observed")
		require.NoError(t, client.CheckForUpdates(timeoutCtx(t), true))
		select {
		case got = <-states:
			found = true
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Equal(t, update.State{Type: update.StateCheckingForUpdates, Explicit: true}, got)
	assert.Equal(t, update.State{Type: update.StateIdle}, <-states)

	assert.Equal(t, CallerName, conn.RemoteCaller())
	assert.Equal(t, lifecycle.PhaseAfterWindowOpen, h.app.Lifecycle().Phase())
}

func TestChecksumThroughSharedProcess(t *testing.T) {
	h := startApp(t)
	s := sharedprocess.NewService(log, 1, sharedprocess.AcquireThroughMain(log, h.addr))
	defer s.Close()
	s.NotifyRestored()

	sum, err := checksum.NewClient(s.GetChannel(checksum.ChannelName)).Checksum(timeoutCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "stub", sum)
	assert.Equal(t, sharedprocess.StateReady, h.app.Coordinator().State())
}

func getState(t *testing.T, h *harness) stateResponse {
	resp, err := http.Get("http://" + h.addr + StatePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestToggleAndState(t *testing.T) {
	h := startApp(t)
	assert.Equal(t, stateResponse{State: "awaitingFirstRequest"}, getState(t, h))

	require.NoError(t, h.app.Coordinator().HandleConnectionRequest(timeoutCtx(t), nopRequester{}, "n"))

	resp, err := http.Post("http://"+h.addr+TogglePath, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, stateResponse{State: "ready", Initialized: true, Visible: true}, getState(t, h))
}

type nopRequester struct{}

func (nopRequester) Destroyed() bool { return false }

func (nopRequester) Deliver(nonce string, t ipc.Transport) error { return t.Close() }

func TestFaultsAreRateLimited(t *testing.T) {
	var m sync.Mutex
	var reported []string
	errs.SetUnexpectedErrorHandler(func(err error) {
		m.Lock()
		defer m.Unlock()
		reported = append(reported, err.Error())
	})
	t.Cleanup(func() { errs.SetUnexpectedErrorHandler(errs.LogHandler(log, "test")) })

	h := startApp(t, WithFaultRates(map[time.Duration]int{time.Hour: 1}))
	require.NoError(t, h.app.Coordinator().HandleConnectionRequest(timeoutCtx(t), nopRequester{}, "n"))
	sink := <-h.sinks

	code := 1
	sink.Fault(sharedprocess.Fault{Kind: sharedprocess.FaultUnresponsive})
	sink.Fault(sharedprocess.Fault{Kind: sharedprocess.FaultUnresponsive})
	sink.Fault(sharedprocess.Fault{Kind: sharedprocess.FaultCrashed, Details: &sharedprocess.FaultDetails{Reason: "boom", ExitCode: &code}})

	m.Lock()
	defer m.Unlock()
	assert.Equal(t, []string{
		"SharedProcess: detected unresponsive window",
		"SharedProcess: crashed (detail: boom, code: 1)",
	}, reported)
}

func TestKillShutdown(t *testing.T) {
	h := startApp(t)
	tr, err := wsipc.Dial(timeoutCtx(t), log, "ws://"+h.addr+IPCPath, nil)
	require.NoError(t, err)
	conn := ipc.NewConnection(tr, "window:1", ipc.WithLogger(log))
	defer conn.Close()
	_, err = conn.GetChannel(update.ChannelName).Call(timeoutCtx(t), "checkForUpdates", false)
	require.NoError(t, err)
	require.NoError(t, h.app.Coordinator().HandleConnectionRequest(timeoutCtx(t), nopRequester{}, "n"))

	h.app.Shutdown(lifecycle.ShutdownReasonKill)

	killed, sent := h.proc.state()
	assert.True(t, killed)
	assert.Empty(t, sent)
	select {
	case <-conn.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("UI connection survived shutdown")
	}
}
