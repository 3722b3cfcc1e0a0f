package wsipc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/guseggert/servicebus/ipc"
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

type upperChannel struct{}

func (upperChannel) Call(ctx context.Context, caller string, command string, arg json.RawMessage) (any, error) {
	s, err := ipc.Decode[string](arg)
	if err != nil {
		return nil, err
	}
	return caller + ":" + strings.ToUpper(s), nil
}

func (upperChannel) Listen(ctx context.Context, caller string, event string, arg json.RawMessage) (<-chan any, error) {
	return nil, &ipc.UnknownEventError{Channel: "upper", Event: event}
}

func TestConnectionOverWebSocket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(log, w, r)
		if err != nil {
			return
		}
		conn := ipc.NewConnection(tr, "server", ipc.WithLogger(log))
		conn.RegisterChannel("upper", upperChannel{})
		<-conn.Done()
	}))
	defer server.Close()

	ctx := context.Background()
	tr, err := Dial(ctx, log, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	conn := ipc.NewConnection(tr, "client", ipc.WithLogger(log))
	defer conn.Close()

	raw, err := conn.GetChannel("upper").Call(ctx, "upper", "hello")
	require.NoError(t, err)
	v, err := ipc.Decode[string](raw)
	require.NoError(t, err)
	assert.Equal(t, "client:HELLO", v)

	_, err = conn.GetChannel("upper").Listen(ctx, "nope", nil)
	assert.ErrorIs(t, err, ipc.ErrUnknownEvent)

	conn.Close()
	_, err = conn.GetChannel("upper").Call(ctx, "upper", "again")
	assert.ErrorIs(t, err, ipc.ErrConnectionClosed)
}
