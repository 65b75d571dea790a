// Package service is the indexer's operation surface. Every entry point of
// the REST API, the scheduler and the CLI goes through a Service method, so
// access checks live in one place: privileged operations consult the gate
// before touching any state, read operations are open to every caller.
package service
