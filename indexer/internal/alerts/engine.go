package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert is one alert event produced by the rule engine.
type Alert struct {
	ID         string        `json:"id"`
	RuleName   string        `json:"rule_name"`
	Bucket     string        `json:"bucket,omitempty"`
	SnapshotID snapshotid.ID `json:"snapshot_id,omitempty"`
	Severity   string        `json:"severity"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	FiredAt    time.Time     `json:"fired_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	State      string        `json:"state"` // "firing" | "resolved"
}

// Engine is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	active   map[string]*Alert    // key: "rule:bucket"
	lastFire map[string]time.Time // for cooldown
	history  []*Alert             // recently resolved alerts

	failures int
	client   *http.Client
	now      func() time.Time
	send     func(*Alert)
}

// New creates an Engine. An Engine without rules is valid and does nothing.
func New(cfg config.AlertsConfig) *Engine {
	e := &Engine{
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	e.send = func(a *Alert) { go e.deliver(a) }
	e.Reload(cfg)
	return e
}

// Reload swaps rules and webhooks. Rules whose condition does not parse are
// logged and skipped.
func (e *Engine) Reload(cfg config.AlertsConfig) {
	rules := make([]config.AlertRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if _, ok := parseCondition(r.Condition); !ok {
			slog.Warn("alerts: ignoring rule with unparsable condition",
				"rule", r.Name, "condition", r.Condition)
			continue
		}
		rules = append(rules, r)
	}
	e.mu.Lock()
	e.rules = rules
	e.webhooks = cfg.Webhooks
	e.mu.Unlock()
}

// Committed evaluates every rule after a successful round.
func (e *Engine) Committed(snap model.Snapshot) {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	e.evaluate(&snap)
}

// Failed evaluates every rule after a failed round.
func (e *Engine) Failed() {
	e.mu.Lock()
	e.failures++
	e.mu.Unlock()
	e.evaluate(nil)
}

// observation is one value a rule is checked against.
type observation struct {
	bucket string
	value  float64
}

func (e *Engine) evaluate(snap *model.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, rule := range e.rules {
		cond, _ := parseCondition(rule.Condition)

		var obs []observation
		switch cond.field {
		case FieldFailures:
			obs = []observation{{value: float64(e.failures)}}
		case FieldScore:
			if snap == nil {
				// No new scores; leave score alerts as they are.
				continue
			}
			obs = scoreObservations(rule.Bucket, snap)
		}

		seen := make(map[string]bool, len(obs))
		for _, o := range obs {
			key := rule.Name + ":" + o.bucket
			seen[key] = true
			if cond.holds(o.value) {
				e.fire(rule, o, snap, key, now)
			} else {
				e.resolve(rule, key, now)
			}
		}
		// Buckets that vanished from the snapshot resolve.
		for key, a := range e.active {
			if a.RuleName == rule.Name && !seen[key] && cond.field == FieldScore {
				e.resolve(rule, key, now)
			}
		}
	}
}

func scoreObservations(bucket string, snap *model.Snapshot) []observation {
	if bucket != "*" {
		v, ok := snap.Value[model.AggregationKey(bucket)]
		if !ok {
			return nil
		}
		return []observation{{bucket: bucket, value: v}}
	}
	keys := make([]string, 0, len(snap.Value))
	for k := range snap.Value {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	obs := make([]observation, len(keys))
	for i, k := range keys {
		obs[i] = observation{bucket: k, value: snap.Value[model.AggregationKey(k)]}
	}
	return obs
}

// fire must be called with e.mu held.
func (e *Engine) fire(rule config.AlertRule, o observation, snap *model.Snapshot, key string, now time.Time) {
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if now.Sub(e.lastFire[key]) <= cooldown {
		return
	}
	sev := rule.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:       uuid.NewString(),
		RuleName: rule.Name,
		Bucket:   o.bucket,
		Severity: sev,
		Value:    o.value,
		FiredAt:  now,
		State:    "firing",
	}
	if snap != nil {
		a.SnapshotID = snap.ID
	}
	where := "indexer"
	if o.bucket != "" {
		where = "bucket " + o.bucket
	}
	a.Message = fmt.Sprintf("[%s] %s fired on %s: %s (value %.4f)", sev, rule.Name, where, rule.Condition, o.value)

	e.active[key] = a
	e.lastFire[key] = now
	cp := *a

	slog.Warn("alert fired", "rule", rule.Name, "bucket", o.bucket, "value", o.value, "severity", sev)
	e.send(&cp)
}

// resolve must be called with e.mu held.
func (e *Engine) resolve(rule config.AlertRule, key string, now time.Time) {
	a, ok := e.active[key]
	if !ok || a.State != "firing" {
		return
	}
	resolved := now
	a.State = "resolved"
	a.ResolvedAt = &resolved
	delete(e.active, key)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	cp := *a

	slog.Info("alert resolved", "rule", rule.Name, "bucket", a.Bucket)
	e.send(&cp)
}

// Active returns copies of all currently firing alerts plus alerts resolved
// within the past hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
