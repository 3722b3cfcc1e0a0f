// Package app is the main process: it wires the services together and serves UI processes.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/internal/errs"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/ipc/wsipc"
	"github.com/guseggert/servicebus/lifecycle"
	"github.com/guseggert/servicebus/services/logservice"
	"github.com/guseggert/servicebus/services/update"
	"github.com/guseggert/servicebus/sharedprocess"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// CallerName is the name the main process announces on its connections.
const CallerName = "main"

const (
	IPCPath    = "/ipc"
	TogglePath = "/sharedprocess/toggle"
	StatePath  = "/sharedprocess/state"
)

// App is the main process.
type App struct {
	log        *zap.SugaredLogger
	listenAddr string
	faultRates map[time.Duration]int

	services    *instantiation.InstantiationService
	lifecycle   *lifecycle.Service
	coordinator *sharedprocess.Coordinator
	update      *update.MainService

	listener   net.Listener
	httpServer *http.Server

	closed    chan struct{}
	closeOnce sync.Once

	connsMut     sync.Mutex
	conns        map[*ipc.Connection]struct{}
	windowOpened bool
}

type Option func(a *App)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *App) {
		a.log = l
	}
}

func WithListenAddr(s string) Option {
	return func(a *App) {
		a.listenAddr = s
	}
}

// WithFaultRates limits how often each kind of shared process fault is reported.
func WithFaultRates(rates map[time.Duration]int) Option {
	return func(a *App) {
		a.faultRates = rates
	}
}

// New builds the main process services. The shared process is started by spawn once the first
// UI process asks for a connection to it.
func New(spawn sharedprocess.Spawner, opts ...Option) (*App, error) {
	a := &App{
		log:        zap.NewNop().Sugar(),
		listenAddr: "127.0.0.1:0",
		faultRates: map[time.Duration]int{
			time.Minute: 5,
			time.Hour:   20,
		},
		closed: make(chan struct{}),
		conns:  map[*ipc.Connection]struct{}{},
	}
	for _, o := range opts {
		o(a)
	}

	a.services = instantiation.New(instantiation.NewServiceCollection(
		logservice.Entry(a.log),
		instantiation.Entry{ID: lifecycle.ServiceID, Value: instantiation.NewDescriptor(lifecycle.Ctor)},
		instantiation.Entry{ID: update.ServiceID, Value: instantiation.NewDescriptor(update.Ctor)},
		instantiation.Entry{ID: sharedprocess.CoordinatorID, Value: instantiation.NewEagerDescriptor(sharedprocess.CoordinatorCtor, spawn)},
	), instantiation.WithLogger(a.log))

	if err := a.services.InstantiateEager(); err != nil {
		return nil, err
	}
	err := a.services.InvokeFunction(func(acc instantiation.Accessor) error {
		var err error
		if a.lifecycle, err = instantiation.Get[*lifecycle.Service](acc, lifecycle.ServiceID); err != nil {
			return err
		}
		if a.coordinator, err = instantiation.Get[*sharedprocess.Coordinator](acc, sharedprocess.CoordinatorID); err != nil {
			return err
		}
		a.update, err = instantiation.Get[*update.MainService](acc, update.ServiceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolving main services: %w", err)
	}

	a.reportFaults()
	// registered after the coordinator, so the shared process is told to exit first
	a.lifecycle.OnWillShutdown(func(e lifecycle.ShutdownEvent) {
		if err := a.Stop(); err != nil {
			a.log.Debugf("stopping main server: %s", err)
		}
	})
	return a, nil
}

// reportFaults funnels shared process faults into the unexpected error handler.
// Repeats of the same kind are rate limited.
func (a *App) reportFaults() {
	limiter := catrate.NewLimiter(a.faultRates)
	a.coordinator.OnFault(func(f sharedprocess.Fault) {
		if next, ok := limiter.Allow(f.Kind); !ok {
			a.log.Debugw("suppressing shared process fault", "Kind", f.Kind, "Until", next)
			return
		}
		errs.OnUnexpectedError(f)
	})
}

func (a *App) Services() *instantiation.InstantiationService { return a.services }

func (a *App) Lifecycle() *lifecycle.Service { return a.lifecycle }

func (a *App) Coordinator() *sharedprocess.Coordinator { return a.coordinator }

// Listen binds the listen address. It is called by Run if it has not been called before.
func (a *App) Listen() (net.Addr, error) {
	if a.listener != nil {
		return a.listener.Addr(), nil
	}
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	a.listener = l
	a.httpServer = &http.Server{Handler: a.router()}
	a.log.Debugf("listening on %s", l.Addr())
	return l.Addr(), nil
}

// Run serves UI processes until Stop is called.
func (a *App) Run() error {
	if _, err := a.Listen(); err != nil {
		return err
	}
	if err := a.lifecycle.SetPhase(lifecycle.PhaseReady); err != nil {
		return err
	}
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) router() http.Handler {
	router := httprouter.New()
	router.GET(IPCPath, a.ipc)
	router.GET(sharedprocess.ConnectPath, a.coordinator.ServeConnect)
	router.POST(TogglePath, a.toggle)
	router.GET(StatePath, a.state)
	return router
}

// ipc serves the main process channels to a UI process.
func (a *App) ipc(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tr, err := wsipc.Accept(a.log, w, r)
	if err != nil {
		return
	}
	conn := ipc.NewConnection(tr, CallerName, ipc.WithLogger(a.log))
	conn.RegisterChannel(update.ChannelName, update.NewChannel(a.update))

	a.connsMut.Lock()
	a.conns[conn] = struct{}{}
	first := !a.windowOpened
	a.windowOpened = true
	a.connsMut.Unlock()
	defer func() {
		a.connsMut.Lock()
		delete(a.conns, conn)
		a.connsMut.Unlock()
	}()

	if first {
		if err := a.lifecycle.SetPhase(lifecycle.PhaseAfterWindowOpen); err != nil {
			a.log.Debugf("advancing lifecycle: %s", err)
		}
	}

	select {
	case <-conn.Done():
	case <-a.closed:
		conn.Close()
	}
}

func (a *App) toggle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := a.coordinator.Toggle(r.Context()); err != nil {
		a.log.Debugf("toggling shared process: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateResponse struct {
	State       string `json:"state"`
	Initialized bool   `json:"initialized"`
	Visible     bool   `json:"visible"`
}

func (a *App) state(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := json.Marshal(stateResponse{
		State:       a.coordinator.State().String(),
		Initialized: a.coordinator.Initialized(),
		Visible:     a.coordinator.Visible(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Shutdown runs the main process shutdown: the shared process is stopped, then the server.
func (a *App) Shutdown(reason lifecycle.ShutdownReason) {
	a.lifecycle.Shutdown(reason)
}

// Stop closes every UI connection and the HTTP server.
func (a *App) Stop() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)

		a.connsMut.Lock()
		conns := make([]*ipc.Connection, 0, len(a.conns))
		for c := range a.conns {
			conns = append(conns, c)
		}
		a.connsMut.Unlock()
		for _, c := range conns {
			c.Close()
		}

		if a.httpServer != nil {
			err = a.httpServer.Close()
			if a.listener != nil {
				a.listener.Close()
			}
		}
	})
	return err
}
