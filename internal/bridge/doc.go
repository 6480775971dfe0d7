// ABOUTME: Package bridge keeps the relay connected to the multi-agent gateway
// ABOUTME: Handshake, liveness probing, reconnect backoff and frame forwarding

// Package bridge is the gateway protocol client.
//
// A Manager dials the gateway over WebSocket, waits for the connect.challenge
// event, answers with a connect request signed by the device key and, once the
// gateway accepts, forwards every agent and chat frame to a Forwarder. The
// Forwarder is either the in-process reducer (see internal/relay) or an
// HTTPForwarder posting to a relay running elsewhere.
//
// Each connection is a session with its own context. Ping, heartbeat and tick
// goroutines are cancelled when the session ends, and a lost session is
// retried after Backoff(attempt). The attempt counter resets when a dial
// succeeds.
package bridge
