// ABOUTME: Package relay is the coven-relay server process
// ABOUTME: It wires the gateway bridge into the reducer and serves the HTTP API

// Package relay assembles the running server.
//
// New opens the SQLite store, builds the roster from config and connects the
// pieces: the bridge Manager forwards gateway frames in process to the
// reducer, the reducer writes agent state and events through the store and
// publishes appended events to the broadcaster, and the watchdog sweeps stuck
// runs on its own interval.
//
// HTTP routes:
//
//	GET  /health          liveness, never authenticated
//	POST /bridge          ingest one frame or {"events":[...]} from a remote bridge
//	GET  /bridge          relay readiness, roster and active run count
//	POST /heartbeat       record a node heartbeat
//	GET  /heartbeat       nodes with derived online/offline status
//	POST /dispatch        fan a message out to agents, settled per agent
//	GET  /agents          current agent state
//	GET  /events          recent events, newest first
//	GET  /events/stream   live event feed as server-sent events
//
// When auth.jwt_secret is set every route except /health requires a bearer JWT.
package relay
