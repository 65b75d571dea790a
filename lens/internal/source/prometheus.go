package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/obsidianstack/ratingindexer/lens/internal/config"
)

type sample struct {
	at time.Time
	v  float64
}

// Prometheus reads metric family sums from a text exposition endpoint.
type Prometheus struct {
	cfg    config.Source
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	history map[string][]sample
	keep    bool
}

func newPrometheus(cfg config.Source, client *http.Client) *Prometheus {
	return &Prometheus{cfg: cfg, client: client, now: time.Now, history: make(map[string][]sample)}
}

func (p *Prometheus) Name() string   { return p.cfg.Name }
func (p *Prometheus) Method() string { return p.cfg.Method }
func (p *Prometheus) Close()         {}

// Run scrapes every interval into history and drops samples older than
// retention. Once Run has started, Series reads history only.
func (p *Prometheus) Run(ctx context.Context, interval, retention time.Duration) {
	p.mu.Lock()
	p.keep = true
	p.mu.Unlock()

	p.collect(ctx, retention)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collect(ctx, retention)
		}
	}
}

func (p *Prometheus) collect(ctx context.Context, retention time.Duration) {
	mfs, err := fetchMetrics(ctx, p.client, p.cfg.Endpoint)
	if err != nil {
		slog.Warn("source: prometheus scrape failed", "source", p.cfg.Name, "err", err)
		return
	}
	p.record(p.now(), mfs, retention)
}

func (p *Prometheus) record(at time.Time, mfs map[string]*dto.MetricFamily, retention time.Duration) {
	cutoff := at.Add(-retention)

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, mf := range mfs {
		p.history[name] = append(p.history[name], sample{at: at, v: sumFamily(mf)})
	}
	for name, samples := range p.history {
		i := 0
		for i < len(samples) && samples[i].at.Before(cutoff) {
			i++
		}
		if i == len(samples) {
			delete(p.history, name)
			continue
		}
		p.history[name] = samples[i:]
	}
}

// Series returns each id's samples in [from, to] from history, or a single
// live sample per id when history is not being kept.
func (p *Prometheus) Series(ctx context.Context, ids []string, from, to time.Time) (map[string][]float64, error) {
	p.mu.RLock()
	keep := p.keep
	p.mu.RUnlock()

	if !keep {
		mfs, err := fetchMetrics(ctx, p.client, p.cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("prometheus scrape %q: %w", p.cfg.Name, err)
		}
		out := make(map[string][]float64, len(ids))
		for _, id := range ids {
			if mf, ok := mfs[id]; ok {
				out[id] = []float64{sumFamily(mf)}
			}
		}
		return out, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]float64, len(ids))
	for _, id := range ids {
		var vs []float64
		for _, s := range p.history[id] {
			if s.at.Before(from) || s.at.After(to) {
				continue
			}
			vs = append(vs, s.v)
		}
		if len(vs) > 0 {
			out[id] = vs
		}
	}
	return out, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition. A partial parse that
// produced families is treated as success.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
