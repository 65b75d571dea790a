// Package ws implements the WebSocket hub that streams committed snapshots.
//
// Hub.ServeHTTP upgrades a connection and sends the latest snapshot right
// away, if there is one. Every snapshot passed to Publish afterwards is
// broadcast by Run to all connected clients:
//
//	{
//	  "event": "snapshot",
//	  "data":  { /* same schema as GET /api/v1/snapshots/latest */ }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/snapshots by the indexer.
package ws
