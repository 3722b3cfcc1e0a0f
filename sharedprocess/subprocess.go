package sharedprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/servicebus/agent"
	"github.com/guseggert/servicebus/internal/event"
	"github.com/guseggert/servicebus/ipc"
	"go.uber.org/zap"
)

// TokenEnv carries the token a spawned shared process requires on every request.
const TokenEnv = "SERVICEBUS_TOKEN"

type spawnConfig struct {
	args                []string
	env                 []string
	stderr              io.Writer
	console             io.Writer
	heartbeatInterval   time.Duration
	unresponsiveTimeout time.Duration
	closeTimeout        time.Duration
}

type SpawnOption func(c *spawnConfig)

func WithArgs(args ...string) SpawnOption {
	return func(c *spawnConfig) {
		c.args = args
	}
}

// WithEnv adds "KEY=value" entries to the environment inherited by the shared process.
func WithEnv(env ...string) SpawnOption {
	return func(c *spawnConfig) {
		c.env = append(c.env, env...)
	}
}

func WithStderr(w io.Writer) SpawnOption {
	return func(c *spawnConfig) {
		c.stderr = w
	}
}

// WithConsole mirrors the process's stderr to w while the process is shown.
func WithConsole(w io.Writer) SpawnOption {
	return func(c *spawnConfig) {
		c.console = w
	}
}

func WithHeartbeatInterval(d time.Duration) SpawnOption {
	return func(c *spawnConfig) {
		c.heartbeatInterval = d
	}
}

// WithUnresponsiveTimeout sets how long heartbeats may fail before the process is reported unresponsive.
func WithUnresponsiveTimeout(d time.Duration) SpawnOption {
	return func(c *spawnConfig) {
		c.unresponsiveTimeout = d
	}
}

// WithCloseTimeout sets how long Close waits for the process to exit before killing it.
func WithCloseTimeout(d time.Duration) SpawnOption {
	return func(c *spawnConfig) {
		c.closeTimeout = d
	}
}

// NewSpawner returns a Spawner which runs bin as a child process.
// The child reports control signals as JSON lines on stdout, receives them on stdin,
// and serves connections through its agent once it signaled ipc-ready.
func NewSpawner(log *zap.SugaredLogger, bin string, opts ...SpawnOption) Spawner {
	cfg := spawnConfig{
		stderr:              os.Stderr,
		heartbeatInterval:   5 * time.Second,
		unresponsiveTimeout: 15 * time.Second,
		closeTimeout:        5 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return func(ctx context.Context, sink Sink) (Process, error) {
		return startSubprocess(ctx, log.Named("subprocess"), bin, cfg, sink)
	}
}

// Subprocess is a shared process running as a child of the current process.
type Subprocess struct {
	log    *zap.SugaredLogger
	cfg    spawnConfig
	cmd    *exec.Cmd
	token  string
	stdin  io.WriteCloser
	stderr *multiWriter
	ctrl   *agent.ControlWriter
	exited chan struct{}

	closeListeners *event.Emitter[*CloseEvent]

	m                sync.Mutex
	client           *agent.Client
	ready            bool
	visible          bool
	closing          bool
	lastHeartbeat    time.Time
	unresponsiveSent bool
}

func startSubprocess(ctx context.Context, log *zap.SugaredLogger, bin string, cfg spawnConfig, sink Sink) (*Subprocess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	cmd := exec.Command(bin, cfg.args...)
	cmd.Env = append(append(os.Environ(), cfg.env...), TokenEnv+"="+token)
	stderr := newMultiWriter(cfg.stderr)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}
	log = log.With("PID", cmd.Process.Pid)
	log.Debugf("started %s", bin)

	p := &Subprocess{
		log:            log,
		cfg:            cfg,
		cmd:            cmd,
		token:          token,
		stdin:          stdin,
		stderr:         stderr,
		ctrl:           agent.NewControlWriter(stdin),
		exited:         make(chan struct{}),
		closeListeners: event.New[*CloseEvent](),
	}
	go p.run(stdout, sink)
	return p, nil
}

// run reads control messages until stdout closes, then reaps the process.
func (p *Subprocess) run(stdout io.Reader, sink Sink) {
	err := agent.ReadControl(stdout, func(msg agent.ControlMessage) {
		if msg.Signal == agent.SignalIpcReady {
			p.onIpcReady(msg.Addr, sink)
		}
		sink.Signal(msg.Signal)
	}, func(line string) {
		p.log.Debugf("stdout: %s", line)
	})
	if err != nil {
		p.log.Debugf("reading control messages: %s", err)
	}

	err = p.cmd.Wait()
	close(p.exited)

	p.m.Lock()
	client, ready, closing := p.client, p.ready, p.closing
	p.m.Unlock()
	if client != nil {
		client.StopHeartbeat()
	}
	if closing {
		p.log.Debugf("exited: %v", err)
		return
	}

	details := &FaultDetails{Reason: "clean-exit"}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		details.Reason = exitErr.String()
	case err != nil:
		details.Reason = err.Error()
	}
	if state := p.cmd.ProcessState; state != nil {
		code := state.ExitCode()
		details.ExitCode = &code
	}
	kind := FaultLoadFailed
	if ready {
		kind = FaultCrashed
	}
	sink.Fault(Fault{Kind: kind, Details: details})
}

func (p *Subprocess) onIpcReady(addr string, sink Sink) {
	client := agent.NewClient(p.log, addr, p.token, agent.WithClientHeartbeatInterval(p.cfg.heartbeatInterval))
	p.m.Lock()
	p.client = client
	p.ready = true
	p.lastHeartbeat = time.Now()
	p.m.Unlock()

	client.StartHeartbeat(func(err error) {
		p.m.Lock()
		if err == nil {
			p.lastHeartbeat = time.Now()
			p.unresponsiveSent = false
			p.m.Unlock()
			return
		}
		report := !p.unresponsiveSent && time.Since(p.lastHeartbeat) >= p.cfg.unresponsiveTimeout
		if report {
			p.unresponsiveSent = true
		}
		p.m.Unlock()
		if report {
			sink.Fault(Fault{Kind: FaultUnresponsive})
		}
	})
}

func (p *Subprocess) Connect(ctx context.Context) (ipc.Transport, error) {
	if !p.Alive() {
		return nil, ErrProcessGone
	}
	p.m.Lock()
	client := p.client
	p.m.Unlock()
	if client == nil {
		return nil, errors.New("shared process has not signaled ipc-ready")
	}
	return client.DialChannel(ctx)
}

func (p *Subprocess) Send(signal string) error {
	if !p.Alive() {
		return ErrProcessGone
	}
	if signal == agent.SignalExit {
		// the exit that follows is requested, not a crash
		p.m.Lock()
		p.closing = true
		p.m.Unlock()
	}
	return p.ctrl.Send(agent.ControlMessage{Signal: signal})
}

func (p *Subprocess) Visible() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.visible
}

func (p *Subprocess) Show() error { return p.setVisible(true) }

func (p *Subprocess) Hide() error { return p.setVisible(false) }

func (p *Subprocess) setVisible(visible bool) error {
	signal := agent.SignalHide
	if visible {
		signal = agent.SignalShow
	}
	if err := p.Send(signal); err != nil {
		return err
	}
	if p.cfg.console != nil {
		if visible {
			p.stderr.Add(p.cfg.console)
		} else {
			p.stderr.Remove(p.cfg.console)
		}
	}
	p.m.Lock()
	p.visible = visible
	p.m.Unlock()
	return nil
}

func (p *Subprocess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the process has been reaped.
func (p *Subprocess) Exited() <-chan struct{} { return p.exited }

func (p *Subprocess) OnClose(listener func(e *CloseEvent)) (remove func()) {
	return p.closeListeners.On(listener)
}

// Close consults the close listeners, then closes stdin and waits for the process to exit,
// killing it if it does not exit within the close timeout.
func (p *Subprocess) Close() error {
	e := &CloseEvent{}
	p.closeListeners.Fire(e)
	if e.Prevented() {
		return ErrCloseVetoed
	}

	p.m.Lock()
	p.closing = true
	p.m.Unlock()

	if err := p.stdin.Close(); err != nil {
		p.log.Debugf("closing stdin: %s", err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(p.cfg.closeTimeout):
		p.log.Warnf("shared process did not exit within %s, killing it", p.cfg.closeTimeout)
		return p.Kill()
	}
}

func (p *Subprocess) Kill() error {
	p.m.Lock()
	p.closing = true
	client := p.client
	p.m.Unlock()
	if client != nil {
		client.StopHeartbeat()
	}
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing shared process: %w", err)
	}
	return nil
}
