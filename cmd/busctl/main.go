// busctl acts as a UI process: it talks to the main process and, through it, the shared process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/guseggert/servicebus/app"
	"github.com/guseggert/servicebus/internal/logging"
	"github.com/guseggert/servicebus/ipc"
	"github.com/guseggert/servicebus/ipc/wsipc"
	"github.com/guseggert/servicebus/services/checksum"
	"github.com/guseggert/servicebus/services/update"
	"github.com/guseggert/servicebus/sharedprocess"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	cliApp := &cli.App{
		Name:  "busctl",
		Usage: "talk to a running main process as a UI process would",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "main-addr",
				Usage:    "The address printed by the main process.",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "window-id",
				Usage: "The window id announced to the shared process.",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "restored-timeout",
				Usage: "How long to wait for the window to be restored before connecting to the shared process anyway.",
				Value: "2s",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "checksum",
				Usage:  "ask the shared process for its checksum",
				Action: withWindow(checksumCmd),
			},
			{
				Name:  "update",
				Usage: "ask the main process to check for updates",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "explicit", Usage: "Mark the check as user initiated."},
				},
				Action: withWindow(updateCmd),
			},
			{
				Name:   "watch-update",
				Usage:  "print update state changes until interrupted",
				Action: withWindow(watchUpdateCmd),
			},
			{
				Name:   "toggle",
				Usage:  "show or hide the shared process",
				Action: toggleCmd,
			},
			{
				Name:   "state",
				Usage:  "print the shared process state",
				Action: stateCmd,
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// window holds the connections of a UI process.
type window struct {
	log    *zap.SugaredLogger
	main   *ipc.Connection
	shared *sharedprocess.Service
}

func withWindow(f func(ctx *cli.Context, w *window) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		log, _, err := logging.New(ctx.String("log-level"), true)
		if err != nil {
			return err
		}
		defer log.Sync()
		restoredTimeout, err := time.ParseDuration(ctx.String("restored-timeout"))
		if err != nil {
			return fmt.Errorf("parsing restored timeout: %w", err)
		}

		addr := ctx.String("main-addr")
		windowID := ctx.Int("window-id")
		tr, err := wsipc.Dial(ctx.Context, log, "ws://"+addr+app.IPCPath, nil)
		if err != nil {
			return fmt.Errorf("connecting to main process: %w", err)
		}
		w := &window{
			log:  log,
			main: ipc.NewConnection(tr, fmt.Sprintf("window:%d", windowID), ipc.WithLogger(log)),
			shared: sharedprocess.NewService(log, windowID, sharedprocess.AcquireThroughMain(log, addr),
				sharedprocess.WithRestoredTimeout(restoredTimeout),
				sharedprocess.WithConnectionOptions(ipc.WithLogger(log)),
			),
		}
		defer w.main.Close()
		defer w.shared.Close()
		// nothing to restore, so the window counts as restored once the main connection is up
		w.shared.NotifyRestored()
		return f(ctx, w)
	}
}

func checksumCmd(ctx *cli.Context, w *window) error {
	sum, err := checksum.NewClient(w.shared.GetChannel(checksum.ChannelName)).Checksum(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Println(sum)
	return nil
}

func updateCmd(ctx *cli.Context, w *window) error {
	return update.NewChannelClient(w.log, w.main.GetChannel(update.ChannelName)).CheckForUpdates(ctx.Context, ctx.Bool("explicit"))
}

func watchUpdateCmd(ctx *cli.Context, w *window) error {
	client := update.NewChannelClient(w.log, w.main.GetChannel(update.ChannelName))
	unsubscribe := client.OnStateChange(func(s update.State) {
		b, err := json.Marshal(s)
		if err != nil {
			return
		}
		fmt.Println(string(b))
	})
	defer unsubscribe()
	select {
	case <-ctx.Context.Done():
	case <-w.main.Done():
		return fmt.Errorf("main process closed the connection")
	}
	return nil
}

func httpClient() *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	return c.StandardClient()
}

func toggleCmd(ctx *cli.Context) error {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodPost, "http://"+ctx.String("main-addr")+app.TogglePath, nil)
	if err != nil {
		return err
	}
	return do(req, http.StatusNoContent, io.Discard)
}

func stateCmd(ctx *cli.Context) error {
	req, err := http.NewRequestWithContext(ctx.Context, http.MethodGet, "http://"+ctx.String("main-addr")+app.StatePath, nil)
	if err != nil {
		return err
	}
	return do(req, http.StatusOK, os.Stdout)
}

func do(req *http.Request, want int, out io.Writer) error {
	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()
	resp, err := httpClient().Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, b)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
