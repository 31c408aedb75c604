package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/coffersTech/nanolog-export/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and export HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord, err := a.newCoordinator(ctx)
			if err != nil {
				return err
			}
			defer coord.Close()

			go a.qe.RunCleaner(ctx, a.cfg.Server.CleanerInterval.Duration)
			go a.qe.RunRateTicker(ctx, time.Second)

			var limiter *rate.Limiter
			if a.cfg.Server.IngestRate > 0 {
				limiter = rate.NewLimiter(rate.Limit(a.cfg.Server.IngestRate), a.cfg.Server.IngestBurst)
			}
			srv := server.NewExportServer(a.qe, coord, limiter, a.log.Named("http"))

			errc := make(chan error, 1)
			go func() {
				a.log.Info("Listening", zap.String("addr", addr), zap.String("data_dir", a.cfg.DataDir))
				errc <- srv.Start(addr)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			a.log.Info("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("Server shutdown error", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
