package registry

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
)

// Config keys and their defaults.
const (
	KeyMaxCount        = "max_count"
	KeyDurationSeconds = "duration_seconds"

	DefaultMaxCount        = 1000
	DefaultDurationSeconds = 86400

	// MaxDurationSeconds is the widest window a time.Duration can hold.
	MaxDurationSeconds = math.MaxInt64 / int64(time.Second)
)

// ErrInvalidConfig rejects a config value a setter cannot store.
var ErrInvalidConfig = goerr.New("invalid config value")

// Backend is the durable half of the registry.
type Backend interface {
	PutTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id model.TaskID) error
	PutConfig(ctx context.Context, key, value string) error
}

// Registry is safe for concurrent use. Reads hand out copies.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[model.TaskID]model.Task
	order   []model.TaskID
	config  map[string]string
	backend Backend
	valid   *validator.Validate
}

// New returns an empty registry writing through to backend.
func New(backend Backend) *Registry {
	return &Registry{
		tasks:   make(map[model.TaskID]model.Task),
		config:  make(map[string]string),
		backend: backend,
		valid:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Restore loads state already held by the backend.
func (r *Registry) Restore(tasks []model.Task, config map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if _, ok := r.tasks[t.ID]; !ok {
			r.order = append(r.order, t.ID)
		}
		r.tasks[t.ID] = t.Clone()
	}
	for k, v := range config {
		r.config[k] = v
	}
}

// AddTask registers t, replacing any task with the same id.
func (r *Registry) AddTask(ctx context.Context, t model.Task) error {
	if err := r.valid.Struct(t); err != nil {
		return goerr.Wrap(model.ErrInvalidTask, err.Error(), goerr.V("task", t.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.PutTask(ctx, t); err != nil {
		return goerr.Wrap(err, "persist task", goerr.V("task", t.ID))
	}
	if _, ok := r.tasks[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

// RemoveTask unregisters the task with the given id.
func (r *Registry) RemoveTask(ctx context.Context, id model.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return goerr.Wrap(model.ErrTaskNotFound, "remove task", goerr.V("task", id))
	}
	if err := r.backend.DeleteTask(ctx, id); err != nil {
		return goerr.Wrap(err, "persist task removal", goerr.V("task", id))
	}
	delete(r.tasks, id)
	for i, tid := range r.order {
		if tid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Tasks returns a point-in-time copy of every task in registration order.
func (r *Registry) Tasks() []model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

// Task returns the task with the given id.
func (r *Registry) Task(id model.TaskID) (model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return t.Clone(), true
}

// Config returns a copy of the raw config map.
func (r *Registry) Config() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.config))
	for k, v := range r.config {
		out[k] = v
	}
	return out
}

// MaxCount is the retention bound of the snapshot store.
func (r *Registry) MaxCount() int {
	return int(r.uintOrDefault(KeyMaxCount, DefaultMaxCount))
}

// DurationSeconds is the width of the lens query window.
func (r *Registry) DurationSeconds() int64 {
	v := r.uintOrDefault(KeyDurationSeconds, DefaultDurationSeconds)
	if v > uint64(MaxDurationSeconds) {
		return MaxDurationSeconds
	}
	return int64(v)
}

func (r *Registry) uintOrDefault(key string, def uint64) uint64 {
	r.mu.RLock()
	raw, ok := r.config[key]
	r.mu.RUnlock()
	if !ok {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 63)
	if err != nil {
		return def
	}
	return v
}

// CheckMaxCount reports whether n is a storable retention bound.
func CheckMaxCount(n int) error {
	if n < 0 {
		return goerr.Wrap(ErrInvalidConfig, "max_count must not be negative", goerr.V("value", n))
	}
	return nil
}

// SetMaxCount stores a new retention bound.
func (r *Registry) SetMaxCount(ctx context.Context, n int) error {
	if err := CheckMaxCount(n); err != nil {
		return err
	}
	return r.set(ctx, KeyMaxCount, strconv.Itoa(n))
}

// SetDurationSeconds stores a new lens window width.
func (r *Registry) SetDurationSeconds(ctx context.Context, s int64) error {
	if s < 0 {
		return goerr.Wrap(ErrInvalidConfig, "duration_seconds must not be negative", goerr.V("value", s))
	}
	if s > MaxDurationSeconds {
		return goerr.Wrap(ErrInvalidConfig, "duration_seconds too large",
			goerr.V("value", s), goerr.V("max", MaxDurationSeconds))
	}
	return r.set(ctx, KeyDurationSeconds, strconv.FormatInt(s, 10))
}

func (r *Registry) set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.PutConfig(ctx, key, value); err != nil {
		return goerr.Wrap(err, "persist config", goerr.V("key", key))
	}
	r.config[key] = value
	return nil
}
