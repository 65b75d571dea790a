// Package metrics exposes the indexer's own Prometheus metrics: round
// outcomes and durations, per-lens fetch latency, store size and evictions,
// and the latest rated value per bucket.
package metrics
