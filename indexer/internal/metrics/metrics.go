package metrics

import (
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/pipeline"
)

const namespace = "ratingindexer"

// Round results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	rounds        *prometheus.CounterVec
	roundDuration prometheus.Histogram
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
	retained      prometheus.Gauge
	evicted       prometheus.Counter
	latestScore   *prometheus.GaugeVec
}

// New registers all collectors. withRuntime adds the Go and process
// collectors, which tests leave out.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Indexing rounds by result.",
		}, []string{"result"}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of indexing rounds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lens_fetch_duration_seconds",
			Help:      "Latency of lens fetches, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"lens"}),
		fetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lens_fetch_errors_total",
			Help:      "Lens fetches that failed after retries.",
		}, []string{"lens"}),
		retained: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots_retained",
			Help:      "Snapshots currently held by the store.",
		}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_evicted_total",
			Help:      "Snapshots dropped by retention.",
		}),
		latestScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_score",
			Help:      "Rated value of the latest snapshot per aggregation bucket. The global bucket is labelled \"_\".",
		}, []string{"bucket"}),
	}
}

// Registry is the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRound records one finished round.
func (m *Metrics) ObserveRound(elapsed time.Duration, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.rounds.WithLabelValues(result).Inc()
	m.roundDuration.Observe(elapsed.Seconds())
}

// SetRetained records the store size.
func (m *Metrics) SetRetained(n int) { m.retained.Set(float64(n)) }

// Hooks returns pipeline hooks that feed the fetch, eviction and score
// metrics. size reports the store length after a commit.
func (m *Metrics) Hooks(size func() int) pipeline.Hooks {
	return pipeline.Hooks{
		OnFetch: func(task model.Task, elapsed time.Duration, err error) {
			m.fetchDuration.WithLabelValues(task.Lens).Observe(elapsed.Seconds())
			if err != nil {
				m.fetchErrors.WithLabelValues(task.Lens).Inc()
			}
		},
		OnCommit: func(snap model.Snapshot, evicted int) {
			m.evicted.Add(float64(evicted))
			if size != nil {
				m.SetRetained(size())
			}
			m.setLatest(snap)
		},
	}
}

func (m *Metrics) setLatest(snap model.Snapshot) {
	m.latestScore.Reset()
	for k, v := range snap.Value {
		if math.IsNaN(v) {
			continue
		}
		m.latestScore.WithLabelValues(BucketLabel(k)).Set(v)
	}
}

// BucketLabel maps the global bucket to "_" so the label is never empty.
func BucketLabel(k model.AggregationKey) string {
	if k == model.GlobalBucket {
		return "_"
	}
	return string(k)
}
