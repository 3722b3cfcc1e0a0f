package sharedprocess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/servicebus/internal/async"
	"github.com/guseggert/servicebus/ipc"
	"go.uber.org/zap"
)

// Acquirer obtains a fresh transport to the shared process, usually by asking the main process for one.
type Acquirer func(ctx context.Context) (ipc.Transport, error)

// Service is the UI process's view of the shared process. The connection is only acquired once the
// UI process has been restored, or after a timeout, so that the shared process does not compete with
// the UI for startup resources.
type Service struct {
	log             *zap.SugaredLogger
	caller          string
	acquire         Acquirer
	restoredTimeout time.Duration
	connOpts        []ipc.ConnectionOption

	restored *async.Barrier

	connOnce sync.Once
	conn     *async.Future[*ipc.Connection]

	// closeMut orders resolving conn against Close
	closeMut sync.Mutex
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

type ServiceOption func(s *Service)

func WithRestoredTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.restoredTimeout = d
	}
}

func WithConnectionOptions(opts ...ipc.ConnectionOption) ServiceOption {
	return func(s *Service) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// NewService returns the shared process service of UI window windowID.
func NewService(log *zap.SugaredLogger, windowID int, acquire Acquirer, opts ...ServiceOption) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:             log.Named("sharedprocess_service"),
		caller:          fmt.Sprintf("window:%d", windowID),
		acquire:         acquire,
		restoredTimeout: 2 * time.Second,
		restored:        async.NewBarrier(),
		conn:            async.NewFuture[*ipc.Connection](),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.connOpts = append([]ipc.ConnectionOption{ipc.WithLogger(s.log)}, s.connOpts...)
	return s
}

// NotifyRestored tells the service that the UI has finished restoring.
func (s *Service) NotifyRestored() {
	s.restored.Open()
}

func (s *Service) connect() {
	timeoutCtx, cancel := context.WithTimeout(s.ctx, s.restoredTimeout)
	defer cancel()
	if err := s.restored.Wait(timeoutCtx); err != nil {
		if s.ctx.Err() != nil {
			s.conn.Resolve(nil, ErrShutdown)
			return
		}
		s.log.Debugf("not restored after %s, connecting anyway", s.restoredTimeout)
	}

	s.log.Debug("acquiring connection to shared process")
	t, err := s.acquire(s.ctx)
	if err != nil {
		s.conn.Resolve(nil, fmt.Errorf("acquiring shared process connection: %w", err))
		return
	}

	s.closeMut.Lock()
	defer s.closeMut.Unlock()
	if s.closed {
		s.log.Debug("closed while acquiring, discarding the transport")
		if err := t.Close(); err != nil {
			s.log.Debugf("closing discarded transport: %s", err)
		}
		s.conn.Resolve(nil, ErrShutdown)
		return
	}
	s.conn.Resolve(ipc.NewConnection(t, s.caller, s.connOpts...), nil)
}

// Connection returns the connection to the shared process, establishing it on first use.
func (s *Service) Connection(ctx context.Context) (*ipc.Connection, error) {
	s.connOnce.Do(func() { go s.connect() })
	return s.conn.Wait(ctx)
}

// GetChannel returns a channel usable right away. Calls are queued until the connection exists.
func (s *Service) GetChannel(name string) ipc.Channel {
	d := ipc.NewDelayedChannel()
	go func() {
		conn, err := s.Connection(s.ctx)
		if err != nil {
			d.Resolve(nil, err)
			return
		}
		d.Resolve(conn.GetChannel(name), nil)
	}()
	return d
}

// RegisterChannel serves sc to the shared process once the connection exists.
func (s *Service) RegisterChannel(name string, sc ipc.ServerChannel) {
	go func() {
		conn, err := s.Connection(s.ctx)
		if err != nil {
			s.log.Debugf("not registering channel %q: %s", name, err)
			return
		}
		conn.RegisterChannel(name, sc)
	}()
}

// Close closes the connection. A connection still being acquired is closed as soon as it arrives.
func (s *Service) Close() error {
	s.cancel()
	s.closeMut.Lock()
	s.closed = true
	resolved := s.conn.Resolved()
	s.closeMut.Unlock()
	if !resolved {
		return nil
	}
	conn, err := s.conn.Wait(context.Background())
	if err != nil {
		return nil
	}
	return conn.Close()
}
