package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guseggert/servicebus/agent"
	"github.com/guseggert/servicebus/instantiation"
	"github.com/guseggert/servicebus/internal/async"
	"github.com/guseggert/servicebus/internal/errs"
	"github.com/guseggert/servicebus/internal/logging"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/services/checksum"
	"github.com/guseggert/servicebus/services/logservice"
	"github.com/guseggert/servicebus/sharedprocess"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	cliApp := &cli.App{
		Name:  "sharedprocess",
		Usage: "the background process shared by all UI processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:0",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat from the main process before giving up.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "exit",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "The token every request must carry.",
				EnvVars: []string{sharedprocess.TokenEnv},
			},
			&cli.StringFlag{
				Name:    "machine-id",
				Usage:   "The machine id resolved by the main process.",
				EnvVars: []string{"SERVICEBUS_MACHINE_ID"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The log level. Showing the process switches to debug.",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log, level, err := logging.New(ctx.String("log-level"), false)
	if err != nil {
		return err
	}
	log = log.Named("sharedprocess")
	defer log.Sync()
	errs.SetUnexpectedErrorHandler(errs.LogHandler(log, "sharedProcess"))

	var heartbeatFailureHandler func()
	switch onHeartbeatFailure := ctx.String("on-heartbeat-failure"); onHeartbeatFailure {
	case "exit":
		heartbeatFailureHandler = agent.HeartbeatFailureExit
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
	}
	heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
	if err != nil {
		return fmt.Errorf("parsing heartbeat timeout: %w", err)
	}

	services := instantiation.New(instantiation.NewServiceCollection(
		logservice.Entry(log),
		instantiation.Entry{ID: checksum.ServiceID, Value: instantiation.NewEagerDescriptor(checksum.Ctor)},
	), instantiation.WithLogger(log))

	// channels are registered once the services exist
	initialized := async.NewBarrier()
	var checksumChannel ipc.ServerChannel

	a := agent.New(
		agent.WithLogger(log),
		agent.WithToken(ctx.String("token")),
		agent.WithListenAddr(ctx.String("listen-addr")),
		agent.WithHeartbeatTimeout(heartbeatTimeout),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		agent.WithConnectionHandler(func(c *ipc.Connection) {
			errs.Go(func() {
				select {
				case <-initialized.Done():
					c.RegisterChannel(checksum.ChannelName, checksumChannel)
				case <-c.Done():
				}
			})
		}),
	)
	addr, err := a.Listen()
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()
	defer a.Stop()

	ctrl := agent.NewControlWriter(os.Stdout)
	if err := ctrl.Send(agent.ControlMessage{Signal: agent.SignalIpcReady, Addr: addr.String()}); err != nil {
		return err
	}

	if err := services.InstantiateEager(); err != nil {
		return err
	}
	svc, err := instantiation.Invoke(services, func(acc instantiation.Accessor) (checksum.Service, error) {
		return instantiation.Get[checksum.Service](acc, checksum.ServiceID)
	})
	if err != nil {
		return err
	}
	checksumChannel = ipc.FromService(checksum.ChannelName, svc)
	initialized.Open()
	log.Infow("shared process initialized", "Addr", addr, "MachineID", ctx.String("machine-id"))
	if err := ctrl.Send(agent.ControlMessage{Signal: agent.SignalInitDone}); err != nil {
		return err
	}

	initial := level.Level()
	exit := make(chan struct{})
	var exitOnce sync.Once
	go func() {
		// the main process closing stdin means it is gone
		defer exitOnce.Do(func() { close(exit) })
		err := agent.ReadControl(os.Stdin, func(msg agent.ControlMessage) {
			switch msg.Signal {
			case agent.SignalShow:
				level.SetLevel(zapcore.DebugLevel)
			case agent.SignalHide:
				level.SetLevel(initial)
			case agent.SignalExit:
				log.Info("exit requested")
				exitOnce.Do(func() { close(exit) })
			}
		}, func(line string) {
			log.Debugf("ignoring control line %q", line)
		})
		if err != nil {
			log.Debugf("reading control messages: %s", err)
		}
	}()

	select {
	case <-exit:
		return nil
	case err := <-runErr:
		return err
	case <-ctx.Context.Done():
		return context.Cause(ctx.Context)
	}
}
