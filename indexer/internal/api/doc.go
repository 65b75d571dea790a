// Package api implements the indexer's HTTP REST API.
//
// New(deps) returns an http.Handler that serves:
//
//	GET    /api/v1/health                      round status and store size
//	GET    /api/v1/snapshots/latest            newest snapshot; 404 when empty
//	GET    /api/v1/snapshots/latest/value      bucket values of the newest snapshot
//	GET    /api/v1/snapshots?from=&to=         snapshots in [from, to] (ms), newest first
//	GET    /api/v1/snapshots/top?n=            n newest snapshots
//	GET    /api/v1/snapshots/top/values?n=     bucket values of the n newest snapshots
//	GET    /api/v1/snapshots/len               number of retained snapshots
//	GET    /api/v1/snapshots/{id}              one snapshot by id
//	POST   /api/v1/index                       run an indexing round (proxy)
//	GET    /api/v1/tasks                       list tasks (controller)
//	POST   /api/v1/tasks                       add or replace a task (controller)
//	DELETE /api/v1/tasks/{id}                  remove a task (controller)
//	GET    /api/v1/config                      runtime configuration
//	PUT    /api/v1/config/max_count            {"value": n} (controller)
//	PUT    /api/v1/config/duration_seconds     {"value": n} (controller)
//	GET    /api/v1/alerts                      firing and recently resolved alerts
//	GET    /api/v1/diagnostics                 plain-language hints about indexer state
//
// /metrics and /ws/snapshots are mounted when the corresponding handlers are
// provided. Errors are JSON bodies {"error": "..."}; see statusFor for the
// status mapping.
package api
