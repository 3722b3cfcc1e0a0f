// Package update is the update service hosted by the main process.
package update

import (
	"context"
	"sync"

	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/internal/event"
	"github.com/guseggert/servicebus/services/logservice"
	"go.uber.org/zap"
)

// ChannelName is the channel the main process serves the update service on.
const ChannelName = "update"

var ServiceID = instantiation.NewServiceIdentifier("updateService")

type StateType string

const (
	StateIdle               StateType = "idle"
	StateCheckingForUpdates StateType = "checking for updates"
)

type State struct {
	Type     StateType `json:"type"`
	Explicit bool      `json:"explicit,omitempty"`
}

type Service interface {
	CheckForUpdates(ctx context.Context, explicit bool) error
	OnStateChange(listener func(State)) (unsubscribe func())
}

// MainService is the update service of the main process.
type MainService struct {
	log           *zap.SugaredLogger
	onStateChange *event.Emitter[State]

	m     sync.Mutex
	state State
}

// Ctor constructs the main process implementation.
var Ctor = &instantiation.Ctor{
	Name: "UpdateService",
	Deps: []*instantiation.ServiceIdentifier{logservice.ServiceID},
	New: func(deps []any, _ []any) (any, error) {
		return NewService(logservice.From(deps[0])), nil
	},
}

func NewService(log *zap.SugaredLogger) *MainService {
	return &MainService{
		log:           log.Named("update"),
		onStateChange: event.New[State](),
		state:         State{Type: StateIdle},
	}
}

// CheckForUpdates only logs; there is no update feed to consult.
func (s *MainService) CheckForUpdates(ctx context.Context, explicit bool) error {
	s.log.Info("update#checkForUpdates")
	s.setState(State{Type: StateCheckingForUpdates, Explicit: explicit})
	s.setState(State{Type: StateIdle})
	return nil
}

func (s *MainService) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

func (s *MainService) setState(st State) {
	s.m.Lock()
	s.state = st
	s.m.Unlock()
	s.onStateChange.Fire(st)
}

func (s *MainService) OnStateChange(listener func(State)) func() {
	return s.onStateChange.On(listener)
}
