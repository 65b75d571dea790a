package api

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/obsidianstack/ratingindexer/indexer/internal/service"
)

// DiagnosticHint is one human-readable insight about the indexer's state.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "info" | "warning" | "critical".
	Level string `json:"level"`
	// Title is a short label.
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// Value is an optional number associated with the hint.
	Value *float64 `json:"value,omitempty"`
}

// Store occupancy at or above this fraction of max_count yields a hint.
const nearBoundRatio = 0.9

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2}

// computeDiagnostics derives hints from the service state, critical first,
// then warnings, then info.
func computeDiagnostics(svc *service.Service, interval time.Duration, now time.Time) []DiagnosticHint {
	hints := []DiagnosticHint{}

	if svc.TaskCount() == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "no_tasks",
			Level: "warning",
			Title: "No tasks registered",
			Detail: "Indexing rounds will commit empty snapshots until a controller " +
				"registers at least one task with POST /api/v1/tasks.",
		})
	}

	st := svc.Status()
	if st.ConsecutiveFailures > 0 {
		v := float64(st.ConsecutiveFailures)
		hints = append(hints, DiagnosticHint{
			Key:   "round_failing",
			Level: "critical",
			Title: fmt.Sprintf("%d failed round(s)", st.ConsecutiveFailures),
			Detail: fmt.Sprintf(
				"The last indexing round failed with: %q. No snapshot was committed, "+
					"so the latest score is unchanged since the last success. Check that "+
					"every lens is reachable and answers with well-formed replies.",
				st.LastError,
			),
			Value: &v,
		})
	}

	snap, err := svc.LatestSnapshot()
	if err != nil {
		hints = append(hints, DiagnosticHint{
			Key:    "no_snapshots",
			Level:  "info",
			Title:  "No snapshots yet",
			Detail: "No indexing round has committed yet. Trigger one with POST /api/v1/index or wait for the scheduler.",
		})
		sortHints(hints)
		return hints
	}

	if interval > 0 {
		if at, err := snap.ID.Time(); err == nil {
			age := now.Sub(at)
			if age > 2*interval {
				v := age.Seconds()
				hints = append(hints, DiagnosticHint{
					Key:   "stale_snapshot",
					Level: "warning",
					Title: "Latest snapshot is stale",
					Detail: fmt.Sprintf(
						"The newest snapshot is %s old while rounds are scheduled every %s. "+
							"Rounds are either failing or the scheduler is not running.",
						age.Truncate(time.Second), interval,
					),
					Value: &v,
				})
			}
		}
	}

	cfg := svc.GetConfig()
	if n := svc.StoreLength(); cfg.MaxCount > 0 && float64(n) >= nearBoundRatio*float64(cfg.MaxCount) {
		v := float64(n)
		hints = append(hints, DiagnosticHint{
			Key:   "store_near_bound",
			Level: "info",
			Title: "Store near retention bound",
			Detail: fmt.Sprintf(
				"%d of %d snapshots are retained. Each new round evicts the oldest one; "+
					"raise max_count to keep more history.",
				n, cfg.MaxCount,
			),
			Value: &v,
		})
	}

	var nanBuckets []string
	for k, v := range snap.Value {
		if math.IsNaN(v) {
			nanBuckets = append(nanBuckets, fmt.Sprintf("%q", string(k)))
		}
	}
	if len(nanBuckets) > 0 {
		sort.Strings(nanBuckets)
		hints = append(hints, DiagnosticHint{
			Key:   "nan_score",
			Level: "warning",
			Title: "Undefined scores",
			Detail: fmt.Sprintf(
				"Buckets %v have an undefined (NaN) score. A lens returned a negative "+
					"value, which has no real root under the bucket's fractional exponent. "+
					"Check the lens source for these ids.",
				nanBuckets,
			),
		})
	}

	sortHints(hints)
	return hints
}

func sortHints(h []DiagnosticHint) {
	sort.SliceStable(h, func(i, j int) bool { return levelRank[h[i].Level] < levelRank[h[j].Level] })
}
