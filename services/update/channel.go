package update

import (
	"context"
	"encoding/json"

	"github.com/guseggert/servicebus/ipc"
	"go.uber.org/zap"
)

// Channel serves an update Service.
type Channel struct {
	service Service
}

func NewChannel(s Service) *Channel {
	return &Channel{service: s}
}

func (c *Channel) Call(ctx context.Context, _ string, command string, arg json.RawMessage) (any, error) {
	switch command {
	case "checkForUpdates":
		explicit, err := ipc.Decode[bool](arg)
		if err != nil {
			return nil, err
		}
		return nil, c.service.CheckForUpdates(ctx, explicit)
	}
	return nil, &ipc.UnknownCommandError{Channel: ChannelName, Command: command}
}

func (c *Channel) Listen(ctx context.Context, _ string, event string, _ json.RawMessage) (<-chan any, error) {
	switch event {
	case "onStateChange":
		return ipc.EventStream(ctx, c.service.OnStateChange), nil
	}
	return nil, &ipc.UnknownEventError{Channel: ChannelName, Event: event}
}

// ChannelClient is a Service backed by a remote update channel.
type ChannelClient struct {
	log *zap.SugaredLogger
	ch  ipc.Channel
}

func NewChannelClient(log *zap.SugaredLogger, ch ipc.Channel) *ChannelClient {
	return &ChannelClient{log: log.Named("update_client"), ch: ch}
}

func (c *ChannelClient) CheckForUpdates(ctx context.Context, explicit bool) error {
	_, err := c.ch.Call(ctx, "checkForUpdates", explicit)
	return err
}

// OnStateChange subscribes in the background. A subscription the remote rejects is logged and delivers nothing.
func (c *ChannelClient) OnStateChange(listener func(State)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stream, err := c.ch.Listen(ctx, "onStateChange", nil)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warnf("subscribing to update state: %s", err)
			}
			return
		}
		for raw := range stream {
			st, err := ipc.Decode[State](raw)
			if err != nil {
				c.log.Debugf("dropping undecodable update state: %s", err)
				continue
			}
			listener(st)
		}
	}()
	return cancel
}
