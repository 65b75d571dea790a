// Package server exposes the lens over HTTP.
//
//	POST /v1/fetch   types.FetchRequest -> types.FetchReply
//	GET  /healthz    liveness
//	GET  /metrics    request counters and latency
//
// A fetch reads the window's samples for every requested id from the named
// source (or the default one) and reduces them with the source's series
// method. Ids without samples, and ids whose value is not finite, are
// returned as null.
//
// Errors use types.ErrorReply: 400 for a bad request or an unknown source,
// 401 for a missing or wrong API key, 502 when the source fails.
package server
