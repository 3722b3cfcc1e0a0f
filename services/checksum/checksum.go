// Package checksum is the checksum service hosted by the shared process.
package checksum

import (
	"context"
	"runtime"

	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/services/logservice"
	"go.uber.org/zap"
)

// ChannelName is the channel the shared process serves the checksum service on.
const ChannelName = "checksum"

var ServiceID = instantiation.NewServiceIdentifier("checksumService")

type Service interface {
	Checksum(ctx context.Context) (string, error)
}

type service struct {
	log *zap.SugaredLogger
}

// Ctor constructs the shared process implementation.
var Ctor = &instantiation.Ctor{
	Name: "ChecksumService",
	Deps: []*instantiation.ServiceIdentifier{logservice.ServiceID},
	New: func(deps []any, _ []any) (any, error) {
		return &service{log: logservice.From(deps[0]).Named("checksum")}, nil
	},
}

// Checksum reports the platform the shared process runs on.
func (s *service) Checksum(ctx context.Context) (string, error) {
	s.log.Debug("checksum#checksum")
	return runtime.GOOS, nil
}

// Client calls a checksum service exposed on a channel.
type Client struct {
	svc *ipc.ServiceClient
}

func NewClient(ch ipc.Channel) *Client {
	return &Client{svc: ipc.ToService(ch, ipc.WithMethods("checksum"))}
}

func (c *Client) Checksum(ctx context.Context) (string, error) {
	var res string
	err := c.svc.Call(ctx, "checksum", &res, nil)
	return res, err
}
