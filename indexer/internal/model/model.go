package model

import (
	"context"

	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

// TaskID identifies a registered task.
type TaskID string

// AggregationKey labels a scoring bucket. The empty key is the global bucket.
type AggregationKey string

// GlobalBucket is the bucket for ids whose task option names no key.
const GlobalBucket AggregationKey = ""

// Snapshot is the immutable result of one indexing round.
type Snapshot struct {
	ID snapshotid.ID `json:"id"`

	// Value is the rated score of each bucket.
	Value map[AggregationKey]float64 `json:"value"`

	// Scores holds the raw value each task contributed to each bucket.
	Scores map[AggregationKey]map[TaskID]float64 `json:"scores"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		ID:     s.ID,
		Value:  make(map[AggregationKey]float64, len(s.Value)),
		Scores: make(map[AggregationKey]map[TaskID]float64, len(s.Scores)),
	}
	for k, v := range s.Value {
		out.Value[k] = v
	}
	for k, m := range s.Scores {
		inner := make(map[TaskID]float64, len(m))
		for t, v := range m {
			inner[t] = v
		}
		out.Scores[k] = inner
	}
	return out
}

// FetchOption configures how one id fetched from a lens is scored.
type FetchOption struct {
	// ID is the identifier requested from the lens.
	ID string `json:"id" yaml:"id" validate:"required"`

	// AggregationKey selects the bucket. Empty means GlobalBucket.
	AggregationKey AggregationKey `json:"aggregation_key,omitempty" yaml:"aggregation_key"`

	// Weight overrides the task weight for this id.
	Weight *float64 `json:"weight,omitempty" yaml:"weight" validate:"omitempty,gte=0"`
}

// Task binds a lens to the ids fetched from it each round.
type Task struct {
	// ID may not contain "/", which separates task and fetched id in
	// snapshot score labels.
	ID TaskID `json:"id" yaml:"id" validate:"required,excludes=/"`

	// Lens names a configured lens, or is an http(s) URL of one.
	Lens string `json:"lens" yaml:"lens" validate:"required"`

	// Source is passed through to the lens to select its data source.
	Source string `json:"source,omitempty" yaml:"source"`

	Options []FetchOption `json:"options" yaml:"options" validate:"required,min=1,dive"`

	// Weight applies to every option that sets none. nil means 1.0.
	Weight *float64 `json:"weight,omitempty" yaml:"weight" validate:"omitempty,gte=0"`
}

// IDs returns the ids requested from the lens, in option order.
func (t Task) IDs() []string {
	ids := make([]string, len(t.Options))
	for i, o := range t.Options {
		ids[i] = o.ID
	}
	return ids
}

// WeightFor returns the weight of option o: its own, else the task's.
// nil means the default weight.
func (t Task) WeightFor(o FetchOption) *float64 {
	if o.Weight != nil {
		return o.Weight
	}
	return t.Weight
}

// Clone returns a copy that shares no slices with t.
func (t Task) Clone() Task {
	out := t
	out.Options = append([]FetchOption(nil), t.Options...)
	return out
}

// Window is an inclusive time range in unix milliseconds.
type Window struct {
	FromMs int64 `json:"from_ms"`
	ToMs   int64 `json:"to_ms"`
}

// Lens is a remote evaluator of ids over a time window.
type Lens interface {
	Fetch(ctx context.Context, req types.FetchRequest) (map[string]*float64, error)
}

// Lenses resolves the lens reference stored on a task.
type Lenses interface {
	Lens(ref string) (Lens, error)
}
