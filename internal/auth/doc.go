// ABOUTME: Package auth holds the relay's two credential schemes
// ABOUTME: Device keys for the upstream gateway and JWTs for the relay's own HTTP API

// Package auth provides authentication for coven-relay.
//
// Upstream, the relay proves possession of an ed25519 device key by signing
// the gateway's challenge nonce together with its client descriptor. The
// gateway may answer with a device token, which is persisted and preferred
// over the static token on later connects.
//
// Downstream, the relay's HTTP endpoints accept HS256 bearer tokens whose
// subject names the calling node or tool.
package auth
