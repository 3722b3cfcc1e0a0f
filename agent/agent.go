package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/ipc/wsipc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// CallerName is the name the shared process announces on every connection it accepts.
const CallerName = "sharedProcess"

// Agent is the HTTP server of the shared process.
// It only listens on loopback and every request must carry the token the main process spawned it with.
type Agent struct {
	logger *zap.SugaredLogger

	token string

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	onConnection            func(c *ipc.Connection)

	listener   net.Listener
	httpServer *http.Server

	closed    chan struct{}
	closeOnce sync.Once

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	connsMut sync.Mutex
	conns    map[*ipc.Connection]struct{}
}

type Option func(a *Agent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent")
	}
}

// WithToken requires requests to carry "Authorization: Bearer <token>".
func WithToken(token string) Option {
	return func(a *Agent) {
		a.token = token
	}
}

// WithConnectionHandler sets the function that registers channels on each accepted connection.
func WithConnectionHandler(f func(c *ipc.Connection)) Option {
	return func(a *Agent) {
		a.onConnection = f
	}
}

func HeartbeatFailureExit() {
	fmt.Fprintln(os.Stderr, "heartbeat failed, exiting")
	os.Exit(1)
}

func New(opts ...Option) *Agent {
	a := &Agent{
		logger:           zap.NewNop().Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "127.0.0.1:0",
		closed:           make(chan struct{}),
		conns:            map[*ipc.Connection]struct{}{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Listen binds the listen address. It is called by Run if it has not been called before.
func (a *Agent) Listen() (net.Addr, error) {
	if a.listener != nil {
		return a.listener.Addr(), nil
	}
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	a.listener = l
	a.httpServer = &http.Server{Handler: a.router()}
	a.logger.Debugf("listening on %s", l.Addr())
	return l.Addr(), nil
}

// Run serves until Stop is called.
func (a *Agent) Run() error {
	if _, err := a.Listen(); err != nil {
		return err
	}
	a.startHeartbeatCheck()
	return a.serve()
}

// startHeartbeatCheck calls the failure handler once if the main process stops sending heartbeats.
func (a *Agent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Warnf("no heartbeat since %s", lastHeartbeat.Format(time.RFC3339))
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
				return
			}
		}
	}()
}

func (a *Agent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.authorized(a.heartbeat))
	router.GET("/channel", a.authorized(a.channel))
	return router
}

func (a *Agent) serve() error {
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) authorized(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if a.token != "" && r.Header.Get("Authorization") != "Bearer "+a.token {
			a.logger.Debugw("rejecting unauthorized request", "Path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, params)
	}
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// channel upgrades to a WebSocket and serves an ipc connection on it until either side closes.
func (a *Agent) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	tr, err := wsipc.Accept(a.logger, w, r)
	if err != nil {
		return
	}
	conn := ipc.NewConnection(tr, CallerName, ipc.WithLogger(a.logger))

	a.connsMut.Lock()
	a.conns[conn] = struct{}{}
	a.connsMut.Unlock()
	defer func() {
		a.connsMut.Lock()
		delete(a.conns, conn)
		a.connsMut.Unlock()
	}()

	if a.onConnection != nil {
		a.onConnection(conn)
	}
	select {
	case <-conn.Done():
	case <-a.closed:
		conn.Close()
	}
}

// Stop closes every connection and the HTTP server.
func (a *Agent) Stop() error {
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
				// Close only closes listeners that Serve has seen
				a.listener.Close()
			}
		}
	})
	return err
}
