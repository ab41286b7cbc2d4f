// Package api serves the WebSocket endpoint that clients use to reach the
// serial device, plus a small read-only HTTP status surface on the same
// listener.
//
// Every accepted WebSocket connection becomes a relay.Session subscribed to
// the broadcast hub and wired to the shared device writer. A failed
// handshake is logged and affects nobody else. Failing to bind the listener
// is fatal and is returned from Start.
//
// Routes:
//
//	GET {websocket.path}           WebSocket upgrade (default "/")
//	GET /api/v1/health             ok / degraded
//	GET /api/v1/metrics            reader, device, hub, session and runtime counters
//	GET /api/v1/sessions           active sessions
//	GET /api/v1/sessions/history   finished sessions (when the database is enabled)
//
// Lifecycle:
//
//	srv, err := api.New(deps)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
