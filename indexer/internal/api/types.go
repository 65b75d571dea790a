package api

import (
	"encoding/json"

	"github.com/obsidianstack/ratingindexer/indexer/internal/service"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status    string              `json:"status"` // "ok" | "degraded"
	Snapshots int                 `json:"snapshots"`
	Tasks     int                 `json:"tasks"`
	Round     service.RoundStatus `json:"round"`
}

// LenResponse is the payload for GET /api/v1/snapshots/len.
type LenResponse struct {
	Len int `json:"len"`
}

// ValueRequest is the body of the config setters.
type ValueRequest struct {
	Value *int64 `json:"value"`
}

// DiagnosticsResponse is the payload for GET /api/v1/diagnostics.
type DiagnosticsResponse struct {
	Hints []DiagnosticHint `json:"hints"`
}

// valuesResponse keeps NaN bucket values encodable.
type valuesResponse map[string]json.Marshaler

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
