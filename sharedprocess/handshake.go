package sharedprocess

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/ipc/wsipc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ConnectPath is where the main process accepts connection requests from UI processes.
const ConnectPath = "/sharedprocess/connect"

// ConnectRequest is the first message a UI process sends on a connect WebSocket.
type ConnectRequest struct {
	Nonce string `json:"nonce"`
}

// ConnectResult answers a ConnectRequest. After a result without an error the WebSocket
// carries ipc frames to and from the shared process.
type ConnectResult struct {
	Nonce string `json:"nonce"`
	Error string `json:"error,omitempty"`
}

// AcquireThroughMain returns an Acquirer which asks the main process listening on mainAddr for a connection.
func AcquireThroughMain(log *zap.SugaredLogger, mainAddr string) Acquirer {
	return func(ctx context.Context) (ipc.Transport, error) {
		url := "ws://" + mainAddr + ConnectPath
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", url, err)
		}
		nonce := uuid.NewString()
		log.Debugw("requesting shared process connection", "Nonce", nonce)
		if err := wsjson.Write(ctx, conn, ConnectRequest{Nonce: nonce}); err != nil {
			conn.Close(websocket.StatusInternalError, "")
			return nil, fmt.Errorf("sending connect request: %w", err)
		}
		var res ConnectResult
		if err := wsjson.Read(ctx, conn, &res); err != nil {
			conn.Close(websocket.StatusInternalError, "")
			return nil, fmt.Errorf("reading connect result: %w", err)
		}
		if res.Nonce != nonce {
			conn.Close(websocket.StatusPolicyViolation, "nonce mismatch")
			return nil, fmt.Errorf("connect result for nonce %q, expected %q", res.Nonce, nonce)
		}
		if res.Error != "" {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, errors.New(res.Error)
		}
		return wsipc.New(log, conn), nil
	}
}

// ServeConnect handles a connection request from a UI process and, once the shared process
// delivered a transport, relays frames between the two until either side closes.
func (c *Coordinator) ServeConnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ui, err := wsipc.Accept(c.log, w, r)
	if err != nil {
		return
	}
	ctx := r.Context()
	var req ConnectRequest
	if err := wsjson.Read(ctx, ui.Conn(), &req); err != nil {
		c.log.Debugf("reading connect request: %s", err)
		ui.Close()
		return
	}

	requester := newWSRequester(c.log, ui)
	defer requester.stop()
	err = c.HandleConnectionRequest(ctx, requester, req.Nonce)
	switch {
	case errors.Is(err, ErrRequesterGone):
		return
	case err != nil:
		c.log.Debugw("connection request failed", "Nonce", req.Nonce, "Error", err)
		wsjson.Write(ctx, ui.Conn(), ConnectResult{Nonce: req.Nonce, Error: err.Error()})
		ui.Close()
		return
	}
	requester.wait()
}

// wsRequester is a UI process on the other end of a connect WebSocket.
// It reads from the UI right away, which is how it notices the UI going away while waiting.
type wsRequester struct {
	log     *zap.SugaredLogger
	ui      *wsipc.Transport
	frames  chan []byte
	readErr chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}

	relayMut sync.Mutex
	relay    chan struct{}
}

func newWSRequester(log *zap.SugaredLogger, ui *wsipc.Transport) *wsRequester {
	r := &wsRequester{
		log:     log,
		ui:      ui,
		frames:  make(chan []byte),
		readErr: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.read()
	return r
}

func (r *wsRequester) read() {
	defer close(r.readErr)
	for {
		msg, err := r.ui.Receive(context.Background())
		if err != nil {
			r.log.Debugf("UI connection ended: %s", err)
			return
		}
		select {
		case r.frames <- msg:
		case <-r.stopped:
			return
		}
	}
}

func (r *wsRequester) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *wsRequester) Destroyed() bool {
	select {
	case <-r.readErr:
		return true
	default:
		return false
	}
}

func (r *wsRequester) Deliver(nonce string, t ipc.Transport) error {
	if err := wsjson.Write(context.Background(), r.ui.Conn(), ConnectResult{Nonce: nonce}); err != nil {
		r.ui.Close()
		return fmt.Errorf("writing connect result: %w", err)
	}
	done := make(chan struct{})
	r.relayMut.Lock()
	r.relay = done
	r.relayMut.Unlock()
	go func() {
		defer close(done)
		r.pump(t)
	}()
	return nil
}

// pump copies frames both ways. When either side ends, both are closed.
func (r *wsRequester) pump(t ipc.Transport) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			t.Close()
			r.ui.Close()
			r.stop()
		})
	}
	g := &errgroup.Group{}
	g.Go(func() error {
		defer closeBoth()
		for {
			select {
			case msg := <-r.frames:
				if err := t.Send(context.Background(), msg); err != nil {
					return err
				}
			case <-r.readErr:
				return nil
			}
		}
	})
	g.Go(func() error {
		defer closeBoth()
		for {
			msg, err := t.Receive(context.Background())
			if err != nil {
				return nil
			}
			if err := r.ui.Send(context.Background(), msg); err != nil {
				return err
			}
		}
	})
	if err := g.Wait(); err != nil {
		r.log.Debugf("relay ended: %s", err)
	}
}

// wait blocks until the relay started by Deliver ends.
func (r *wsRequester) wait() {
	r.relayMut.Lock()
	done := r.relay
	r.relayMut.Unlock()
	if done != nil {
		<-done
	}
}
