// Package wsipc carries ipc frames over WebSocket connections.
package wsipc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ReadLimit is the largest frame accepted from the peer.
const ReadLimit = 16 << 20

// Transport is an ipc.Transport over a WebSocket. Each frame is one text message.
type Transport struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	closeOnce sync.Once
}

// New wraps an established WebSocket connection.
func New(log *zap.SugaredLogger, conn *websocket.Conn) *Transport {
	conn.SetReadLimit(ReadLimit)
	return &Transport{log: log.Named("wsipc"), conn: conn}
}

// Dial opens a WebSocket to url and wraps it.
func Dial(ctx context.Context, log *zap.SugaredLogger, url string, header http.Header) (*Transport, error) {
	log.Debugw("dialing WebSocket", "URL", url)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return New(log, conn), nil
}

// Accept upgrades an HTTP request and wraps the resulting connection.
// On failure an error response has already been written.
func Accept(log *zap.SugaredLogger, w http.ResponseWriter, r *http.Request) (*Transport, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return nil, err
	}
	log.Debug("accepted WebSocket conn")
	return New(log, conn), nil
}

// Conn returns the underlying WebSocket, for callers that exchange messages before handing it to a Connection.
func (t *Transport) Conn() *websocket.Conn {
	return t.conn
}

// Send writes msg as one text message. The socket is closed by the library when a write
// context ends, so ctx only gates whether the write starts.
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.conn.Write(context.Background(), websocket.MessageText, msg)
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	_, b, err := t.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			t.log.Debug("got normal closure from peer")
		}
		return nil, err
	}
	return b, nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "")
		t.log.Debugw("closed transport", "Error", err)
	})
	return err
}
