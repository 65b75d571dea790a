package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidianstack/ratingindexer/lens/internal/config"
	"github.com/obsidianstack/ratingindexer/lens/internal/server"
	"github.com/obsidianstack/ratingindexer/lens/internal/source"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
)

func main() {
	configPath := flag.String("config", "lens.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Lens.LogFormat, cfg.Lens.LogLevel, os.Stdout)
	slog.SetDefault(logger)
	slog.Info("lens starting",
		"config", *configPath,
		"sources", len(cfg.Lens.Sources),
		"scrape_interval", cfg.Lens.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sources []source.Source
	for _, sc := range cfg.Lens.Sources {
		src, err := source.New(sc)
		if err != nil {
			slog.Error("skipping source, could not build it", "source", sc.Name, "err", err)
			continue
		}
		defer src.Close()
		sources = append(sources, src)
		slog.Info("registered source", "name", sc.Name, "type", sc.Type, "method", sc.Method, "endpoint", sc.Endpoint)

		if p, ok := src.(*source.Prometheus); ok && cfg.Lens.ScrapeInterval > 0 {
			go p.Run(ctx, cfg.Lens.ScrapeInterval, cfg.Lens.Retention)
		}
	}
	if len(sources) == 0 {
		slog.Warn("no sources configured, every fetch will fail")
	}

	// Hot reload applies the log level; sources are rebuilt on restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			logging.Level.Set(logging.ParseLevel(updated.Lens.LogLevel))
			slog.Info("config hot-reloaded", "log_level", updated.Lens.LogLevel)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Lens.HTTPPort),
		Handler: server.New(server.Options{
			Sources:       sources,
			DefaultSource: cfg.Lens.DefaultSource,
			Auth:          cfg.Lens.Auth,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("lens shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
}
