package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

// Registry supplies the task set and round parameters.
type Registry interface {
	Tasks() []model.Task
	DurationSeconds() int64
	MaxCount() int
}

// Store receives the committed snapshot.
type Store interface {
	Append(ctx context.Context, snap model.Snapshot, maxCount int) (int, error)
}

// IDSource issues snapshot ids.
type IDSource interface {
	New() (snapshotid.ID, error)
}

// Hooks observe a round. Any field may be nil.
type Hooks struct {
	// OnFetch runs after each lens call, from the fetching goroutine.
	OnFetch func(task model.Task, elapsed time.Duration, err error)
	// OnCommit runs after a snapshot was appended.
	OnCommit func(snap model.Snapshot, evicted int)
	// OnFailure runs when a round aborts.
	OnFailure func(err error)
}

// Pipeline is safe for concurrent use; rounds are serialised.
type Pipeline struct {
	registry Registry
	lenses   model.Lenses
	store    Store
	ids      IDSource
	now      func() time.Time
	hooks    Hooks

	guard sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithHooks installs round observers.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = h }
}

// New returns a Pipeline.
func New(reg Registry, lenses model.Lenses, st Store, ids IDSource, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		lenses:   lenses,
		store:    st,
		ids:      ids,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one round and returns the committed snapshot.
func (p *Pipeline) Run(ctx context.Context) (model.Snapshot, error) {
	if !p.guard.TryLock() {
		return model.Snapshot{}, model.ErrRoundInProgress
	}
	defer p.guard.Unlock()

	snap, evicted, err := p.run(context.WithoutCancel(ctx))
	if err != nil {
		if p.hooks.OnFailure != nil {
			p.hooks.OnFailure(err)
		}
		return model.Snapshot{}, err
	}
	if p.hooks.OnCommit != nil {
		p.hooks.OnCommit(snap, evicted)
	}
	return snap, nil
}

func (p *Pipeline) run(ctx context.Context) (model.Snapshot, int, error) {
	logger := logging.From(ctx)

	duration := p.registry.DurationSeconds()
	tasks := p.registry.Tasks()
	now := p.now()
	window := model.Window{
		FromMs: windowStart(now.UnixMilli(), duration),
		ToMs:   now.UnixMilli(),
	}

	replies, err := p.fanOut(ctx, tasks, window)
	if err != nil {
		return model.Snapshot{}, 0, err
	}

	snap := Aggregate(replies)
	id, err := p.ids.New()
	if err != nil {
		return model.Snapshot{}, 0, goerr.Wrap(err, "issue snapshot id")
	}
	snap.ID = id

	evicted, err := p.store.Append(ctx, snap, p.registry.MaxCount())
	if err != nil {
		return model.Snapshot{}, 0, goerr.Wrap(err, "commit snapshot", goerr.V("id", id))
	}

	logger.Info("pipeline: round committed",
		"id", id, "tasks", len(tasks), "buckets", len(snap.Value), "evicted", evicted)
	return snap, evicted, nil
}

// fanOut queries every task's lens concurrently. Replies are index-aligned
// with tasks. The first error cancels the remaining requests.
func (p *Pipeline) fanOut(ctx context.Context, tasks []model.Task, w model.Window) ([]Reply, error) {
	replies := make([]Reply, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			lens, err := p.lenses.Lens(task.Lens)
			if err != nil {
				return goerr.Wrap(err, "resolve lens", goerr.V("task", task.ID), goerr.V("lens", task.Lens))
			}

			start := time.Now()
			values, err := lens.Fetch(gctx, types.FetchRequest{
				Source: task.Source,
				FromMs: w.FromMs,
				ToMs:   w.ToMs,
				IDs:    task.IDs(),
			})
			if p.hooks.OnFetch != nil {
				p.hooks.OnFetch(task, time.Since(start), err)
			}
			if err != nil {
				return goerr.Wrap(err, "fetch from lens", goerr.V("task", task.ID), goerr.V("lens", task.Lens))
			}
			replies[i] = Reply{Task: task, Values: values}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replies, nil
}

// windowStart returns toMs minus secs seconds, saturating at math.MinInt64.
func windowStart(toMs, secs int64) int64 {
	if secs <= 0 {
		return toMs
	}
	if secs > math.MaxInt64/1000 {
		return math.MinInt64
	}
	d := secs * 1000
	if toMs < math.MinInt64+d {
		return math.MinInt64
	}
	return toMs - d
}
