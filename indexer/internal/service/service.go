package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/obsidianstack/ratingindexer/indexer/internal/auth"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/registry"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/indexer/internal/store"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
)

// Runner executes one indexing round.
type Runner interface {
	Run(ctx context.Context) (model.Snapshot, error)
}

// Config is the parsed runtime configuration.
type Config struct {
	MaxCount        int               `json:"max_count"`
	DurationSeconds int64             `json:"duration_seconds"`
	Raw             map[string]string `json:"raw"`
}

// RoundStatus describes recent round outcomes.
type RoundStatus struct {
	LastAttempt         time.Time     `json:"last_attempt,omitempty"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastDuration        time.Duration `json:"last_duration_ns"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Rounds              int           `json:"rounds"`
}

// Service wires the gate, registry, store and round runner together.
type Service struct {
	gate     *auth.Gate
	registry *registry.Registry
	store    *store.Store
	runner   Runner
	now      func() time.Time

	mu     sync.RWMutex
	status RoundStatus
}

// New returns a Service.
func New(gate *auth.Gate, reg *registry.Registry, st *store.Store, runner Runner) *Service {
	return &Service{
		gate:     gate,
		registry: reg,
		store:    st,
		runner:   runner,
		now:      time.Now,
	}
}

// AddTask registers or replaces a task. Controller only.
func (s *Service) AddTask(ctx context.Context, caller string, t model.Task) error {
	if err := s.gate.RequireController(caller); err != nil {
		return err
	}
	if err := s.registry.AddTask(ctx, t); err != nil {
		return err
	}
	logging.From(ctx).Info("service: task added", "task", t.ID, "lens", t.Lens, "caller", caller)
	return nil
}

// RemoveTask unregisters a task. Controller only.
func (s *Service) RemoveTask(ctx context.Context, caller string, id model.TaskID) error {
	if err := s.gate.RequireController(caller); err != nil {
		return err
	}
	if err := s.registry.RemoveTask(ctx, id); err != nil {
		return err
	}
	logging.From(ctx).Info("service: task removed", "task", id, "caller", caller)
	return nil
}

// ListTasks returns every registered task. Controller only.
func (s *Service) ListTasks(_ context.Context, caller string) ([]model.Task, error) {
	if err := s.gate.RequireController(caller); err != nil {
		return nil, err
	}
	return s.registry.Tasks(), nil
}

// RunIndexingRound executes one round. Proxy only.
func (s *Service) RunIndexingRound(ctx context.Context, caller string) (model.Snapshot, error) {
	if err := s.gate.RequireProxy(caller); err != nil {
		return model.Snapshot{}, err
	}

	start := s.now()
	snap, err := s.runner.Run(ctx)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, model.ErrRoundInProgress) {
		// Not an attempt of its own.
		return model.Snapshot{}, err
	}
	s.status.LastAttempt = start
	s.status.LastDuration = elapsed
	s.status.Rounds++
	if err != nil {
		s.status.LastError = err.Error()
		s.status.ConsecutiveFailures++
		logging.From(ctx).Error("service: indexing round failed", "err", err, "caller", caller)
		return model.Snapshot{}, err
	}
	s.status.LastSuccess = start
	s.status.LastError = ""
	s.status.ConsecutiveFailures = 0
	return snap, nil
}

// Status returns recent round outcomes.
func (s *Service) Status() RoundStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LatestSnapshot returns the newest committed snapshot.
func (s *Service) LatestSnapshot() (model.Snapshot, error) {
	return s.store.Latest()
}

// LatestScore returns the bucket values of the newest snapshot.
func (s *Service) LatestScore() (map[model.AggregationKey]float64, error) {
	snap, err := s.store.Latest()
	if err != nil {
		return nil, err
	}
	return snap.Value, nil
}

// QueryRange returns snapshots with timestamps in [fromMs, toMs], newest first.
func (s *Service) QueryRange(fromMs, toMs uint64) []model.Snapshot {
	return s.store.Range(fromMs, toMs)
}

// TopSnapshots returns up to n of the newest snapshots, newest first.
func (s *Service) TopSnapshots(n int) []model.Snapshot {
	return s.store.Top(n)
}

// TopScores returns the bucket values of up to n of the newest snapshots.
func (s *Service) TopScores(n int) []map[model.AggregationKey]float64 {
	snaps := s.store.Top(n)
	out := make([]map[model.AggregationKey]float64, len(snaps))
	for i, snap := range snaps {
		out[i] = snap.Value
	}
	return out
}

// Snapshot returns the snapshot with the given id.
func (s *Service) Snapshot(id snapshotid.ID) (model.Snapshot, bool) {
	return s.store.Get(id)
}

// StoreLength returns the number of retained snapshots.
func (s *Service) StoreLength() int {
	return s.store.Len()
}

// GetConfig returns the runtime configuration.
func (s *Service) GetConfig() Config {
	return Config{
		MaxCount:        s.registry.MaxCount(),
		DurationSeconds: s.registry.DurationSeconds(),
		Raw:             s.registry.Config(),
	}
}

// SetMaxCount changes the retention bound and trims the store to it.
// Controller only.
func (s *Service) SetMaxCount(ctx context.Context, caller string, n int) error {
	if err := s.gate.RequireController(caller); err != nil {
		return err
	}
	if err := registry.CheckMaxCount(n); err != nil {
		return err
	}
	// Trim before recording the bound so a failed eviction leaves both as
	// they were.
	evicted, err := s.store.Trim(ctx, n)
	if err != nil {
		return err
	}
	if err := s.registry.SetMaxCount(ctx, n); err != nil {
		return err
	}
	logging.From(ctx).Info("service: max_count changed", "max_count", n, "evicted", evicted, "caller", caller)
	return nil
}

// SetDurationSeconds changes the lens window width. Controller only.
func (s *Service) SetDurationSeconds(ctx context.Context, caller string, secs int64) error {
	if err := s.gate.RequireController(caller); err != nil {
		return err
	}
	if err := s.registry.SetDurationSeconds(ctx, secs); err != nil {
		return err
	}
	logging.From(ctx).Info("service: duration_seconds changed", "duration_seconds", secs, "caller", caller)
	return nil
}

// TaskCount returns how many tasks are registered. Open to every caller.
func (s *Service) TaskCount() int {
	return len(s.registry.Tasks())
}
