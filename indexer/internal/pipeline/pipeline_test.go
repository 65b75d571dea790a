package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/persist"
	"github.com/obsidianstack/ratingindexer/indexer/internal/registry"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/indexer/internal/store"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

// fakeLens answers from a fixed table or fails.
type fakeLens struct {
	values map[string]*float64
	err    error
	block  chan struct{}

	mu   sync.Mutex
	reqs []types.FetchRequest
}

func (f *fakeLens) Fetch(ctx context.Context, req types.FetchRequest) (map[string]*float64, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.values, nil
}

type fakeLenses map[string]*fakeLens

func (f fakeLenses) Lens(ref string) (model.Lens, error) {
	l, ok := f[ref]
	if !ok {
		return nil, model.ErrLensNotFound
	}
	return l, nil
}

func fp(v float64) *float64 { return &v }

type fixture struct {
	reg    *registry.Registry
	store  *store.Store
	lenses fakeLenses
	p      *Pipeline
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	be := persist.NewMemory()
	f := &fixture{
		reg:    registry.New(be),
		store:  store.New(be),
		lenses: fakeLenses{},
		now:    time.UnixMilli(1715000000000),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.p = New(f.reg, f.lenses, f.store, snapshotid.NewGenerator(nil, func() time.Time { return f.now }), opts...)
	return f
}

func (f *fixture) addTask(t *testing.T, task model.Task, lens *fakeLens) {
	t.Helper()
	task.Lens = string(task.ID) + "-lens"
	f.lenses[task.Lens] = lens
	if err := f.reg.AddTask(context.Background(), task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
}

func TestRun_GroupsAndRates(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, model.Task{
		ID: "variance",
		Options: []model.FetchOption{
			{ID: "usdc", AggregationKey: "usdc"},
			{ID: "usdt", AggregationKey: "usdt", Weight: fp(2)},
		},
	}, &fakeLens{values: map[string]*float64{"usdc": fp(4), "usdt": fp(3)}})
	f.addTask(t, model.Task{
		ID:      "deviation",
		Options: []model.FetchOption{{ID: "usdc", AggregationKey: "usdc"}, {ID: "dai"}},
	}, &fakeLens{values: map[string]*float64{"usdc": fp(9), "dai": nil, "extra": fp(5)}})

	snap, err := f.p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// usdc: sqrt(4)*sqrt(9) = 6
	if got := snap.Value["usdc"]; math.Abs(got-6) > 1e-12 {
		t.Errorf("usdc = %v, want 6", got)
	}
	// usdt: 3^(2/1) = 9
	if got := snap.Value["usdt"]; math.Abs(got-9) > 1e-12 {
		t.Errorf("usdt = %v, want 9", got)
	}
	// global bucket: dai alone (null -> 0); the unrequested id is ignored
	if got := snap.Value[model.GlobalBucket]; got != 0 {
		t.Errorf("global = %v, want 0", got)
	}

	if snap.Scores["usdc"]["variance"] != 4 || snap.Scores["usdc"]["deviation"] != 9 {
		t.Errorf("usdc scores = %v", snap.Scores["usdc"])
	}
	global := snap.Scores[model.GlobalBucket]
	if v, ok := global["deviation"]; !ok || v != 0 || len(global) != 1 {
		t.Errorf("global scores = %v, want only deviation=0", global)
	}

	latest, err := f.store.Latest()
	if err != nil || latest.ID != snap.ID {
		t.Errorf("store latest = %v, %v; want committed snapshot %s", latest.ID, err, snap.ID)
	}
}

func TestWindowStart(t *testing.T) {
	tests := []struct {
		name string
		to   int64
		secs int64
		want int64
	}{
		{"day", 1715000000000, 86400, 1715000000000 - 86400*1000},
		{"zero", 1715000000000, 0, 1715000000000},
		{"max duration", 1715000000000, registry.MaxDurationSeconds, 1715000000000 - registry.MaxDurationSeconds*1000},
		{"ms overflow", 1715000000000, math.MaxInt64 / 100, math.MinInt64},
		{"near min", math.MinInt64 + 500, 1, math.MinInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := windowStart(tt.to, tt.secs)
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
			if got > tt.to {
				t.Errorf("from %d after to %d", got, tt.to)
			}
		})
	}
}

func TestRun_WindowAtMaxDuration(t *testing.T) {
	f := newFixture(t)
	lens := &fakeLens{values: map[string]*float64{}}
	f.addTask(t, model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}}}, lens)
	if err := f.reg.SetDurationSeconds(context.Background(), registry.MaxDurationSeconds); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := lens.reqs[0]
	if got.FromMs > got.ToMs {
		t.Errorf("window = [%d, %d], want from <= to", got.FromMs, got.ToMs)
	}
}

func TestRun_Regression(t *testing.T) {
	f := newFixture(t)
	for i, v := range []float64{4.202794, 1.921468, 4.528004, 5.0, 4.602019, 5.0} {
		id := model.TaskID(string(rune('a' + i)))
		f.addTask(t, model.Task{ID: id, Options: []model.FetchOption{{ID: "usdc"}}},
			&fakeLens{values: map[string]*float64{"usdc": fp(v)}})
	}
	snap, err := f.p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Value[""]; math.Abs(got-4.017856419662701) > 1e-12 {
		t.Errorf("got %v, want 4.017856419662701", got)
	}
}

func TestRun_OneLensFailureAbortsRound(t *testing.T) {
	var failures []error
	f := newFixture(t, WithHooks(Hooks{OnFailure: func(err error) { failures = append(failures, err) }}))
	f.addTask(t, model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}}},
		&fakeLens{values: map[string]*float64{"x": fp(1)}})
	f.addTask(t, model.Task{ID: "b", Options: []model.FetchOption{{ID: "x"}}},
		&fakeLens{err: model.ErrTransport})
	f.addTask(t, model.Task{ID: "c", Options: []model.FetchOption{{ID: "x"}}},
		&fakeLens{values: map[string]*float64{"x": fp(2)}})

	_, err := f.p.Run(context.Background())
	if !model.IsLensFailure(err) {
		t.Fatalf("err = %v, want lens failure", err)
	}
	if f.store.Len() != 0 {
		t.Errorf("store len = %d, want 0", f.store.Len())
	}
	if _, err := f.store.Latest(); !errors.Is(err, model.ErrNoData) {
		t.Errorf("Latest err = %v, want ErrNoData", err)
	}
	if len(failures) != 1 {
		t.Errorf("OnFailure called %d times, want 1", len(failures))
	}
}

func TestRun_FailedRoundKeepsPreviousLatest(t *testing.T) {
	f := newFixture(t)
	lens := &fakeLens{values: map[string]*float64{"x": fp(3)}}
	f.addTask(t, model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}}}, lens)

	first, err := f.p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	lens.err = errors.New("down")
	f.now = f.now.Add(time.Minute)
	if _, err := f.p.Run(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	latest, err := f.store.Latest()
	if err != nil || latest.ID != first.ID {
		t.Errorf("latest = %v, %v; want %s", latest.ID, err, first.ID)
	}
}

func TestRun_UnknownLensAborts(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.AddTask(context.Background(), model.Task{
		ID: "a", Lens: "missing", Options: []model.FetchOption{{ID: "x"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Run(context.Background()); !errors.Is(err, model.ErrLensNotFound) {
		t.Fatalf("err = %v, want ErrLensNotFound", err)
	}
}

func TestRun_Window(t *testing.T) {
	f := newFixture(t)
	lens := &fakeLens{values: map[string]*float64{}}
	f.addTask(t, model.Task{ID: "a", Source: "src-1", Options: []model.FetchOption{{ID: "x"}, {ID: "y"}}}, lens)

	if _, err := f.p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetDurationSeconds(context.Background(), 60); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Second)
	if _, err := f.p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	nowMs := f.now.UnixMilli()
	want := []types.FetchRequest{
		{Source: "src-1", FromMs: nowMs - 1000 - 86400*1000, ToMs: nowMs - 1000},
		{Source: "src-1", FromMs: nowMs - 60*1000, ToMs: nowMs},
	}
	for i, w := range want {
		got := lens.reqs[i]
		if got.FromMs != w.FromMs || got.ToMs != w.ToMs || got.Source != w.Source {
			t.Errorf("round %d request = %+v, want window [%d, %d]", i, got, w.FromMs, w.ToMs)
		}
		if len(got.IDs) != 2 || got.IDs[0] != "x" || got.IDs[1] != "y" {
			t.Errorf("round %d ids = %v", i, got.IDs)
		}
	}
}

func TestRun_NoTasksCommitsEmptySnapshot(t *testing.T) {
	f := newFixture(t)
	snap, err := f.p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Value) != 0 || f.store.Len() != 1 {
		t.Errorf("snap = %+v, store len = %d", snap, f.store.Len())
	}
}

func TestRun_RespectsMaxCount(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}}},
		&fakeLens{values: map[string]*float64{"x": fp(1)}})
	if err := f.reg.SetMaxCount(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	var evictions int
	f.p.hooks.OnCommit = func(_ model.Snapshot, evicted int) { evictions += evicted }

	var last snapshotid.ID
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Second)
		snap, err := f.p.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		last = snap.ID
	}
	if f.store.Len() != 2 || evictions != 3 {
		t.Errorf("len = %d evictions = %d, want 2 and 3", f.store.Len(), evictions)
	}
	if latest, _ := f.store.Latest(); latest.ID != last {
		t.Errorf("latest = %s, want %s", latest.ID, last)
	}
}

func TestRun_RejectsOverlappingRound(t *testing.T) {
	f := newFixture(t)
	lens := &fakeLens{values: map[string]*float64{"x": fp(1)}, block: make(chan struct{})}
	f.addTask(t, model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}}}, lens)

	done := make(chan error, 1)
	go func() {
		_, err := f.p.Run(context.Background())
		done <- err
	}()

	// Wait until the first round is inside the lens call.
	deadline := time.Now().Add(5 * time.Second)
	for {
		lens.mu.Lock()
		n := len(lens.reqs)
		lens.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first round never reached the lens")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.p.Run(context.Background()); !errors.Is(err, model.ErrRoundInProgress) {
		t.Errorf("second Run err = %v, want ErrRoundInProgress", err)
	}
	close(lens.block)
	if err := <-done; err != nil {
		t.Errorf("first Run: %v", err)
	}
	if f.store.Len() != 1 {
		t.Errorf("store len = %d, want 1", f.store.Len())
	}
}

func TestRun_CallerCancellationDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}}},
		&fakeLens{values: map[string]*float64{"x": fp(1)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.p.Run(ctx); err != nil {
		t.Fatalf("Run with cancelled ctx: %v", err)
	}
}

func TestAggregateDeterministic(t *testing.T) {
	replies := []Reply{
		{
			Task:   model.Task{ID: "b", Options: []model.FetchOption{{ID: "x"}, {ID: "y"}}},
			Values: map[string]*float64{"x": fp(1.1), "y": fp(2.3)},
		},
		{
			Task:   model.Task{ID: "a", Options: []model.FetchOption{{ID: "x"}, {ID: "z"}}},
			Values: map[string]*float64{"x": fp(3.7), "z": fp(0.9)},
		},
	}
	first := Aggregate(replies)
	for i := 0; i < 50; i++ {
		// Map iteration order varies between calls.
		if got := Aggregate(replies); got.Value[""] != first.Value[""] {
			t.Fatalf("run %d: %v != %v", i, got.Value[""], first.Value[""])
		}
	}
}

func TestAggregateUsesRequestedOptions(t *testing.T) {
	task := model.Task{
		ID: "t",
		Options: []model.FetchOption{
			{ID: "usdc", AggregationKey: "usdc"},
			{ID: "dai", AggregationKey: "dai", Weight: fp(2)},
		},
	}
	tests := []struct {
		name   string
		values map[string]*float64
		want   map[model.AggregationKey]float64
	}{
		{"all present", map[string]*float64{"usdc": fp(4), "dai": fp(3)}, map[model.AggregationKey]float64{"usdc": 4, "dai": 9}},
		{"missing id counts as 0", map[string]*float64{"usdc": fp(4)}, map[model.AggregationKey]float64{"usdc": 4, "dai": 0}},
		{"null counts as 0", map[string]*float64{"usdc": nil, "dai": fp(3)}, map[model.AggregationKey]float64{"usdc": 0, "dai": 9}},
		{"unrequested id ignored", map[string]*float64{"usdc": fp(4), "dai": fp(3), "tusd": fp(7)}, map[model.AggregationKey]float64{"usdc": 4, "dai": 9}},
		{"empty reply", nil, map[model.AggregationKey]float64{"usdc": 0, "dai": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Aggregate([]Reply{{Task: task, Values: tt.values}})
			if len(snap.Value) != len(tt.want) {
				t.Fatalf("buckets = %v, want %v", snap.Value, tt.want)
			}
			for key, want := range tt.want {
				if got := snap.Value[key]; math.Abs(got-want) > 1e-12 {
					t.Errorf("%s: got %v, want %v", key, got, want)
				}
				if _, ok := snap.Scores[key]["t"]; !ok {
					t.Errorf("%s: no score recorded for t: %v", key, snap.Scores[key])
				}
			}
		})
	}
}
