// Package store provides the relay's operational state store.
//
// # Architecture
//
// Store is the narrow contract the reducer, heartbeat service and HTTP API
// depend on:
//
//   - agent state: status, current task, current room, last activity
//   - events: append-only activity log rendered as a feed
//   - messages: chat lines persisted per agent
//   - nodes: hosts reporting heartbeats
//
// Agent writes are partial (AgentUpdate) so the read-modify-write stays
// inside the store. No operation spans an agent update and an event append;
// either can fail on its own and callers log and move on.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - MockStore: in-memory, with FailOn for injecting write failures
//
// # Errors
//
//   - ErrNotFound: the requested agent does not exist
//
// All methods accept context.Context for cancellation support.
package store
