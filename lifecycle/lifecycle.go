// Package lifecycle tracks the startup phases of the main process and coordinates its shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/internal/errs"
	"github.com/guseggert/servicebus/internal/event"
	"github.com/guseggert/servicebus/services/logservice"
	"go.uber.org/zap"
)

var ServiceID = instantiation.NewServiceIdentifier("lifecycleMainService")

type Phase int

const (
	// PhaseStarting is the phase while services are being created.
	PhaseStarting Phase = iota + 1
	// PhaseReady is reached once the main services are up.
	PhaseReady
	// PhaseAfterWindowOpen is reached once the first UI process has connected.
	PhaseAfterWindowOpen
	// PhaseEventually is reached some time after startup settled.
	PhaseEventually
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseReady:
		return "ready"
	case PhaseAfterWindowOpen:
		return "afterWindowOpen"
	case PhaseEventually:
		return "eventually"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type ShutdownReason int

const (
	// ShutdownReasonQuit is an orderly shutdown. Owned processes are told to exit.
	ShutdownReasonQuit ShutdownReason = iota + 1
	// ShutdownReasonKill tears everything down without notifying anybody.
	ShutdownReasonKill
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownReasonQuit:
		return "quit"
	case ShutdownReasonKill:
		return "kill"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

type ShutdownEvent struct {
	Reason ShutdownReason
}

// Service is the main process lifecycle service.
type Service struct {
	log            *zap.SugaredLogger
	onWillShutdown *event.Emitter[ShutdownEvent]

	m            sync.Mutex
	phase        Phase
	phaseChanged chan struct{}
	shutdown     bool
	shutdownDone chan struct{}
}

var Ctor = &instantiation.Ctor{
	Name: "LifecycleMainService",
	Deps: []*instantiation.ServiceIdentifier{logservice.ServiceID},
	New: func(deps []any, _ []any) (any, error) {
		return New(logservice.From(deps[0])), nil
	},
}

func New(log *zap.SugaredLogger) *Service {
	return &Service{
		log:            log.Named("lifecycle"),
		onWillShutdown: event.New[ShutdownEvent](),
		phase:          PhaseStarting,
		phaseChanged:   make(chan struct{}),
		shutdownDone:   make(chan struct{}),
	}
}

func (s *Service) Phase() Phase {
	s.m.Lock()
	defer s.m.Unlock()
	return s.phase
}

// SetPhase advances the phase. Phases never go backwards.
func (s *Service) SetPhase(p Phase) error {
	s.m.Lock()
	defer s.m.Unlock()
	if p < s.phase {
		return fmt.Errorf("lifecycle cannot go backwards from %s to %s", s.phase, p)
	}
	if p == s.phase {
		return nil
	}
	s.log.Debugf("lifecycle phase %s", p)
	s.phase = p
	close(s.phaseChanged)
	s.phaseChanged = make(chan struct{})
	return nil
}

// WhenPhase blocks until phase p has been reached.
func (s *Service) WhenPhase(ctx context.Context, p Phase) error {
	for {
		s.m.Lock()
		reached := s.phase >= p
		changed := s.phaseChanged
		s.m.Unlock()
		if reached {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnWillShutdown registers a listener that runs when Shutdown is called.
func (s *Service) OnWillShutdown(listener func(ShutdownEvent)) (unsubscribe func()) {
	return s.onWillShutdown.On(guard(listener))
}

// Shutdown runs the will-shutdown listeners once, in registration order. Panicking listeners are
// reported and do not stop the others. Later calls wait for the first to finish.
func (s *Service) Shutdown(reason ShutdownReason) {
	s.m.Lock()
	if s.shutdown {
		s.m.Unlock()
		<-s.shutdownDone
		return
	}
	s.shutdown = true
	s.m.Unlock()

	s.log.Infow("shutting down", "Reason", reason)
	e := ShutdownEvent{Reason: reason}
	s.onWillShutdown.Fire(e)
	s.onWillShutdown.Dispose()
	close(s.shutdownDone)
}

// Done is closed once Shutdown has run its listeners.
func (s *Service) Done() <-chan struct{} {
	return s.shutdownDone
}

// guard wraps listener so that a panic in it is reported instead of aborting the shutdown.
func guard(listener func(ShutdownEvent)) func(ShutdownEvent) {
	return func(e ShutdownEvent) {
		defer errs.Recover()
		listener(e)
	}
}
