// ABOUTME: Maps a frame's opaque account or agent identifier to a canonical agent name
// ABOUTME: Applies a layered fallback because gateway event families differ in shape

package identity

import (
	"strings"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/roster"
)

// targetingTools are tool calls whose arguments name another agent.
var targetingTools = map[string]bool{
	"sessions_spawn": true,
	"sessions_send":  true,
}

// Resolver canonicalizes agent identities against a roster.
type Resolver struct {
	roster *roster.Roster
}

// NewResolver creates a resolver backed by the given roster.
func NewResolver(r *roster.Roster) *Resolver {
	return &Resolver{roster: r}
}

// Resolve returns the canonical agent name for a frame, or false when nothing matches.
// Callers choose their own default.
func (r *Resolver) Resolve(env *protocol.Envelope) (string, bool) {
	if env == nil {
		return "", false
	}
	p := env.Fields

	// 1. explicit field on the payload
	if name, ok := r.first(p, []string{"accountId"}, []string{"agentId"}); ok {
		return name, true
	}

	// 2. session key "agent:<id>:..."
	if id := sessionAgent(protocol.String(p, "sessionKey")); id != "" {
		if name, ok := r.roster.Canonical(id); ok {
			return name, true
		}
	}

	// 3. one level deeper
	if name, ok := r.first(p, []string{"data", "accountId"}, []string{"data", "agentId"}); ok {
		return name, true
	}

	// 4. spawn/send calls target another agent
	if targetingTools[protocol.String(p, "data", "name")] {
		if name, ok := r.first(p,
			[]string{"data", "args", "agentId"},
			[]string{"data", "args", "target"},
			[]string{"data", "args", "label"},
		); ok {
			return name, true
		}
	}

	// 5. loose scan for families known to embed ids anywhere
	if r.roster.IsLoose(env.Family()) {
		return r.scan(env)
	}
	return "", false
}

func (r *Resolver) first(p map[string]any, paths ...[]string) (string, bool) {
	for _, path := range paths {
		id := protocol.String(p, path...)
		if id == "" {
			continue
		}
		if name, ok := r.roster.Canonical(id); ok {
			return name, true
		}
	}
	return "", false
}

func (r *Resolver) scan(env *protocol.Envelope) (string, bool) {
	haystack := strings.ToLower(string(env.Payload))
	if haystack == "" {
		return "", false
	}
	for _, id := range r.roster.KnownIDs() {
		if strings.Contains(haystack, id) {
			return r.roster.Canonical(id)
		}
	}
	return "", false
}

// sessionAgent extracts <id> from "agent:<id>:...".
func sessionAgent(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 2 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

// IsSubagentSession reports whether a session key belongs to a delegated sub-agent run.
func IsSubagentSession(key string) bool {
	return strings.Contains(key, ":subagent:")
}
