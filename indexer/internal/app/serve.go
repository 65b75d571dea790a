package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/ratingindexer/indexer/internal/api"
	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer service: REST API, scheduler, alerts and WebSocket stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Indexer.HTTPPort = port
			}
			logger := g.logger(cfg, "json")

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := Build(ctx, cfg, logger, Options{RuntimeMetrics: true})
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			return a.Serve(ctx, g.resolvedConfigPath())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override indexer.http_port")
	return cmd
}

// Serve runs the HTTP server, scheduler, hub and config watcher until ctx is
// cancelled. configPath may be empty to disable hot reload.
func (a *App) Serve(ctx context.Context, configPath string) error {
	ix := a.Config.Indexer
	handler := api.New(api.Deps{
		Service:          a.Service,
		Roles:            a.Roles,
		Alerts:           a.Alerts,
		Metrics:          a.Metrics.Handler(),
		Stream:           a.Hub,
		Logger:           a.Logger,
		ScheduleInterval: a.scheduleInterval(),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", ix.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})
	if ix.Schedule.Enabled {
		g.Go(func() error {
			a.RunScheduler(ctx, ix.Schedule.Interval, ix.Schedule.Caller)
			return nil
		})
	}
	if configPath != "" {
		g.Go(func() error {
			if err := config.Watch(ctx, configPath, a.Reload); err != nil {
				a.Logger.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.Logger.Info("HTTP server listening", "port", ix.HTTPPort, "auth_mode", ix.Auth.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("indexer shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (a *App) scheduleInterval() time.Duration {
	if !a.Config.Indexer.Schedule.Enabled {
		return 0
	}
	return a.Config.Indexer.Schedule.Interval
}
