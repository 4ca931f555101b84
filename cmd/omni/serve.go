package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/observe"
	"github.com/example/go-omni/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the omni HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Telemetry must be registered before the scheduler builds its
			// instruments from the global meter provider.
			shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "omni"})
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					slog.Warn("telemetry shutdown", "error", err)
				}
			}()

			p, err := openPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			var opts []server.Option
			if p.stats.Enabled() {
				opts = append(opts, server.WithStats(p.stats))
			}

			return server.New(cfg, p.sched, opts...).Start(ctx)
		},
	}

	return cmd
}
