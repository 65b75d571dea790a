// Package app assembles the indexer process and its command line.
//
// Build wires persistence, the task registry, the snapshot store, lens
// clients, the indexing pipeline and the service facade from a Config. The
// serve command adds the HTTP API, the WebSocket hub, alert evaluation, the
// round scheduler and config hot reload on top. The remaining commands run a
// single operation against the configured storage as a local caller that
// holds every role.
package app
