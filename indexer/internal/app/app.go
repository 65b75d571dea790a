package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/alerts"
	"github.com/obsidianstack/ratingindexer/indexer/internal/auth"
	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/lensclient"
	"github.com/obsidianstack/ratingindexer/indexer/internal/metrics"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/persist"
	"github.com/obsidianstack/ratingindexer/indexer/internal/pipeline"
	"github.com/obsidianstack/ratingindexer/indexer/internal/registry"
	"github.com/obsidianstack/ratingindexer/indexer/internal/service"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/indexer/internal/store"
	"github.com/obsidianstack/ratingindexer/indexer/internal/ws"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

// LocalCaller is the identity CLI commands act as.
const LocalCaller = "local"

// App is a fully wired indexer.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Backend  persist.Backend
	Registry *registry.Registry
	Store    *store.Store
	Roles    *auth.Roles
	Lenses   *lensclient.Pool
	Pipeline *pipeline.Pipeline
	Service  *service.Service
	Metrics  *metrics.Metrics
	Alerts   *alerts.Engine
	Hub      *ws.Hub
}

// Options adjust Build.
type Options struct {
	// Authority overrides the role source of the access gate. nil uses the
	// API key roles from the config.
	Authority auth.Authority

	// RuntimeMetrics adds Go and process collectors.
	RuntimeMetrics bool

	// Clock replaces time.Now for ids and lens windows.
	Clock func() time.Time
}

// Build opens storage, restores state and wires every component. Close the
// App to release storage.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	ix := cfg.Indexer
	backend, err := persist.Open(persist.Options{
		Backend: ix.Storage.Backend,
		Path:    ix.Storage.Path,
		Logger:  logger,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "open storage", goerr.V("backend", ix.Storage.Backend), goerr.V("path", ix.Storage.Path))
	}

	a, err := build(ctx, cfg, logger, backend, opts)
	if err != nil {
		backend.Close() //nolint:errcheck
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, backend persist.Backend, opts Options) (*App, error) {
	ix := cfg.Indexer
	state, err := backend.Load(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "load persisted state")
	}

	reg := registry.New(backend)
	reg.Restore(state.Tasks, state.Config)
	for _, t := range ix.Tasks {
		if _, ok := reg.Task(t.ID); ok {
			continue
		}
		if err := reg.AddTask(ctx, t); err != nil {
			return nil, goerr.Wrap(err, "register configured task", goerr.V("task", t.ID))
		}
	}

	st := store.New(backend)
	if err := st.Restore(state.Snapshots); err != nil {
		return nil, goerr.Wrap(err, "restore snapshots")
	}
	// A lowered max_count may not have been applied before the last exit.
	if _, err := st.Trim(ctx, reg.MaxCount()); err != nil {
		return nil, goerr.Wrap(err, "trim restored snapshots")
	}

	pool, err := lensclient.NewPool(ix.Lenses)
	if err != nil {
		return nil, goerr.Wrap(err, "build lens clients")
	}
	pool.Instrument(func(c *lensclient.Client) model.Lens {
		return &loggedLens{name: c.Name(), next: c, logger: logger}
	})

	roles := auth.NewRoles(ix.Auth)
	var authority auth.Authority = roles
	if opts.Authority != nil {
		authority = opts.Authority
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Backend:  backend,
		Registry: reg,
		Store:    st,
		Roles:    roles,
		Lenses:   pool,
		Metrics:  metrics.New(opts.RuntimeMetrics),
		Alerts:   alerts.New(ix.Alerts),
	}
	a.Hub = ws.New(st.Latest)
	a.Metrics.SetRetained(st.Len())

	popts := []pipeline.Option{pipeline.WithHooks(a.hooks())}
	if opts.Clock != nil {
		popts = append(popts, pipeline.WithClock(opts.Clock))
	}
	a.Pipeline = pipeline.New(reg, pool, st, snapshotid.NewGenerator(nil, opts.Clock), popts...)
	a.Service = service.New(auth.NewGate(authority), reg, st, &timedRunner{next: a.Pipeline, metrics: a.Metrics})

	logger.Info("indexer state restored",
		"backend", ix.Storage.Backend,
		"snapshots", st.Len(),
		"tasks", len(reg.Tasks()),
		"lenses", len(ix.Lenses),
	)
	return a, nil
}

// hooks fans pipeline events out to metrics, alerts and the WebSocket hub.
func (a *App) hooks() pipeline.Hooks {
	m := a.Metrics.Hooks(a.Store.Len)
	return pipeline.Hooks{
		OnFetch: m.OnFetch,
		OnCommit: func(snap model.Snapshot, evicted int) {
			m.OnCommit(snap, evicted)
			a.Alerts.Committed(snap)
			a.Hub.Publish(snap)
		},
		OnFailure: func(error) {
			a.Alerts.Failed()
		},
	}
}

// Reload applies the hot-reloadable parts of cfg.
func (a *App) Reload(cfg *config.Config) {
	ix := cfg.Indexer
	logging.Level.Set(logging.ParseLevel(ix.LogLevel))
	a.Roles.Reload(ix.Auth)
	a.Alerts.Reload(ix.Alerts)
	if err := a.Lenses.Reload(ix.Lenses); err != nil {
		a.Logger.Error("lens reload failed, keeping previous clients", "err", err)
	}
	a.Logger.Info("config applied",
		"log_level", ix.LogLevel,
		"callers", len(ix.Auth.Callers),
		"alert_rules", len(ix.Alerts.Rules),
		"lenses", len(ix.Lenses),
	)
}

// Close releases storage.
func (a *App) Close() error {
	return a.Backend.Close()
}

// timedRunner records round outcomes. Rejected overlapping rounds are not
// rounds of their own and are not counted.
type timedRunner struct {
	next    service.Runner
	metrics *metrics.Metrics
}

func (r *timedRunner) Run(ctx context.Context) (model.Snapshot, error) {
	start := time.Now()
	snap, err := r.next.Run(ctx)
	if !errors.Is(err, model.ErrRoundInProgress) {
		r.metrics.ObserveRound(time.Since(start), err)
	}
	return snap, err
}

// loggedLens logs every fetch at debug level.
type loggedLens struct {
	name   string
	next   model.Lens
	logger *slog.Logger
}

func (l *loggedLens) Fetch(ctx context.Context, req types.FetchRequest) (map[string]*float64, error) {
	start := time.Now()
	values, err := l.next.Fetch(ctx, req)
	l.logger.Debug("lens fetch",
		"lens", l.name,
		"ids", len(req.IDs),
		"from_ms", req.FromMs,
		"to_ms", req.ToMs,
		"elapsed", time.Since(start),
		"err", err,
	)
	return values, err
}
