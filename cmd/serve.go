package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/identity/internal/engine"
	"github.com/andresmejia3/identity/internal/transport"
	"github.com/andresmejia3/identity/internal/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve identification commands over a websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	sock, err := transport.NewSocket(transport.SocketOptions{
		Listen:    cfg.Server.Listen,
		Namespace: cfg.Server.Namespace,
		RateLimit: cfg.Server.RateLimit,
		Burst:     cfg.Server.Burst,
		Logger:    log,
	})
	if err != nil {
		utils.ShowError("Socket transport is not configured", err, nil)
		return err
	}
	return runTransport(ctx, sock)
}

// runTransport wires an engine to t and serves until ctx ends or the engine
// asks for a reset. SIGHUP requests a reset.
func runTransport(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e, err := newEngine(ctx, engine.Options{
		OnStatus: func(status string, priority int) {
			if err := t.Send("status", map[string]any{"status": status, "priority": priority}); err != nil {
				log.Warn().Err(err).Msg("status push failed")
			}
		},
		OnReset: cancel,
	})
	if err != nil {
		utils.ShowError("Failed to start identification engine", err, nil)
		return err
	}
	defer e.Close()

	t.Handle(e.Commands().Names(), func(ctx context.Context, name string, payload json.RawMessage) (any, bool) {
		res, ok := e.Dispatch(ctx, name, payload)
		return res, ok
	})

	fmt.Fprintf(os.Stderr, "🧬 %d templates loaded, backend %s, up to %d workers\n", e.Count(), cfg.Backend, cfg.MaxWorkers)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-hup:
			e.Reset()
		case <-gctx.Done():
		}
		return nil
	})
	e.SetStatus("ready", 0)

	if err := g.Wait(); err != nil {
		utils.ShowError("Transport failed", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "👋 Shut down cleanly.")
	return nil
}
