package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/servicebus/app"
	"github.com/guseggert/servicebus/internal/errs"
	"github.com/guseggert/servicebus/internal/files"
	"github.com/guseggert/servicebus/internal/instance"
	"github.com/guseggert/servicebus/internal/logging"
	"github.com/guseggert/servicebus/internal/machineid"
	"github.com/guseggert/servicebus/lifecycle"
	"github.com/guseggert/servicebus/sharedprocess"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

func main() {
	cliApp := &cli.App{
		Name:  "desktop",
		Usage: "the main process, serving UI processes and owning the shared process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for UI processes to connect to.",
				Value: "127.0.0.1:0",
			},
			&cli.StringFlag{
				Name:  "shared-process-bin",
				Usage: "Path to the shared process binary. Defaults to the sharedprocess binary next to this one.",
			},
			&cli.StringFlag{
				Name:  "heartbeat-interval",
				Usage: "How often to send heartbeats to the shared process.",
				Value: "5s",
			},
			&cli.StringFlag{
				Name:  "unresponsive-timeout",
				Usage: "How long the shared process may go without answering heartbeats before it is reported unresponsive.",
				Value: "15s",
			},
			&cli.StringFlag{
				Name:  "lock-file",
				Usage: "The single instance lock file.",
				Value: filepath.Join(os.TempDir(), "servicebus-desktop.lock"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The log level, also passed to the shared process.",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "Use human readable logs.",
			},
		},
		Action: run,
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseDuration(ctx *cli.Context, name string) (time.Duration, error) {
	d, err := time.ParseDuration(ctx.String(name))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return d, nil
}

func run(ctx *cli.Context) error {
	log, _, err := logging.New(ctx.String("log-level"), ctx.Bool("dev"))
	if err != nil {
		return err
	}
	defer log.Sync()
	errs.SetUnexpectedErrorHandler(errs.LogHandler(log, "main"))

	lock := instance.NewLock(ctx.String("lock-file"))
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, instance.ErrLocked) {
			log.Info("another main process is running, exiting")
			return nil
		}
		return err
	}
	defer lock.Release()

	heartbeatInterval, err := parseDuration(ctx, "heartbeat-interval")
	if err != nil {
		return err
	}
	unresponsiveTimeout, err := parseDuration(ctx, "unresponsive-timeout")
	if err != nil {
		return err
	}
	bin := ctx.String("shared-process-bin")
	if bin == "" {
		if bin, err = files.FindBinary("sharedprocess"); err != nil {
			return err
		}
	}

	childLog := &zapio.Writer{Log: log.Desugar().Named("sharedprocess_stderr"), Level: zapcore.DebugLevel}
	defer childLog.Close()
	spawn := sharedprocess.NewSpawner(log, bin,
		sharedprocess.WithStderr(childLog),
		sharedprocess.WithConsole(os.Stderr),
		sharedprocess.WithArgs("--log-level", ctx.String("log-level")),
		sharedprocess.WithEnv("SERVICEBUS_MACHINE_ID="+machineid.Get()),
		sharedprocess.WithHeartbeatInterval(heartbeatInterval),
		sharedprocess.WithUnresponsiveTimeout(unresponsiveTimeout),
	)
	a, err := app.New(spawn, app.WithLogger(log), app.WithListenAddr(ctx.String("listen-addr")))
	if err != nil {
		return err
	}
	addr, err := a.Listen()
	if err != nil {
		return err
	}
	// UI processes find us through this line
	fmt.Println(addr.String())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("received %s, shutting down", sig)
		go a.Shutdown(lifecycle.ShutdownReasonQuit)
		<-sigs
		fmt.Fprintln(os.Stderr, "received second signal, exiting")
		os.Exit(1)
	}()

	if err := a.Run(); err != nil {
		return err
	}
	// Run returns as soon as the server closes, the shared process may still be exiting
	<-a.Lifecycle().Done()
	return nil
}
