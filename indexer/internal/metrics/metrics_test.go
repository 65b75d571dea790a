package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
)

func TestObserveRound(t *testing.T) {
	m := New(false)
	m.ObserveRound(time.Second, nil)
	m.ObserveRound(time.Second, nil)
	m.ObserveRound(time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.rounds.WithLabelValues(ResultSuccess)); got != 2 {
		t.Errorf("success rounds: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rounds.WithLabelValues(ResultFailure)); got != 1 {
		t.Errorf("failed rounds: got %v, want 1", got)
	}
}

func TestHooks(t *testing.T) {
	m := New(false)
	h := m.Hooks(func() int { return 7 })

	task := model.Task{ID: "t1", Lens: "prom"}
	h.OnFetch(task, 10*time.Millisecond, nil)
	h.OnFetch(task, 10*time.Millisecond, errors.New("down"))
	h.OnCommit(model.Snapshot{Value: map[model.AggregationKey]float64{"": 1.5, "stable": 2}}, 3)

	if got := testutil.ToFloat64(m.fetchErrors.WithLabelValues("prom")); got != 1 {
		t.Errorf("fetch errors: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.evicted); got != 3 {
		t.Errorf("evicted: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.retained); got != 7 {
		t.Errorf("retained: got %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.latestScore.WithLabelValues("_")); got != 1.5 {
		t.Errorf("latest global: got %v, want 1.5", got)
	}

	// A later snapshot without the stable bucket drops its series.
	h.OnCommit(model.Snapshot{Value: map[model.AggregationKey]float64{"": 1}}, 0)
	if got := testutil.CollectAndCount(m.latestScore); got != 1 {
		t.Errorf("latest_score series: got %d, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(false)
	m.ObserveRound(time.Second, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ratingindexer_rounds_total{result="success"} 1`) {
		t.Fatalf("body missing rounds_total:\n%s", body)
	}
}
