// ABOUTME: Typed gateway frames decoded once at the transport edge
// ABOUTME: Frame is a closed sum type; the reducer switches over the concrete kinds

package protocol

import (
	"encoding/json"
	"time"
)

// Frame types on the wire.
const (
	TypeEvent  = "event"
	TypeReq    = "req"
	TypeRes    = "res"
	TypeBridge = "bridge"
)

// Gateway event names with protocol meaning.
const (
	EventChallenge = "connect.challenge"
	EventTick      = "tick"
	EventAgent     = "agent"
	EventChat      = "chat"
)

// Agent event streams.
const (
	StreamLifecycle = "lifecycle"
	StreamAssistant = "assistant"
	StreamTool      = "tool"
)

// Lifecycle phases.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// systemEvents are management frames that never reach the reducer.
var systemEvents = map[string]bool{
	"ping":            true,
	"pong":            true,
	"system":          true,
	"system-presence": true,
	"presence":        true,
	"health":          true,
	"heartbeat":       true,
}

// Envelope is the common shape of every frame.
type Envelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// Raw holds the bytes the envelope was decoded from.
	Raw []byte `json:"-"`
	// Fields is the decoded payload object (nil when the payload is not an object).
	Fields map[string]any `json:"-"`
}

// ErrorShape is the error body carried by failed responses.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Family names the event family used for identity heuristics.
func (e *Envelope) Family() string {
	if e.Event != "" {
		return e.Event
	}
	return e.Type
}

// Frame is implemented by every decoded frame kind.
type Frame interface {
	Envelope() *Envelope
	isFrame()
}

type base struct {
	env *Envelope
}

func (b base) Envelope() *Envelope { return b.env }
func (base) isFrame()              {}

// ChallengeFrame starts the handshake.
type ChallengeFrame struct {
	base
	Nonce string
}

// ResponseFrame answers a request such as connect.
type ResponseFrame struct {
	base
	ID           string
	OK           bool
	TickInterval time.Duration
	DeviceToken  string
	ErrorMessage string
}

// TickFrame is the gateway's periodic liveness signal.
type TickFrame struct {
	base
}

// SystemFrame covers ping/pong/presence style management events.
type SystemFrame struct {
	base
}

// LifecycleFrame marks the start or end of an agent run.
type LifecycleFrame struct {
	base
	RunID      string
	SessionKey string
	Phase      string
	Error      string
}

// AssistantFrame carries the cumulative assistant transcript for a run.
type AssistantFrame struct {
	base
	RunID      string
	SessionKey string
	Text       string
}

// ToolCallFrame reports a tool invocation.
type ToolCallFrame struct {
	base
	RunID      string
	SessionKey string
	Tool       string
	CallID     string
}

// ToolResultFrame reports a tool result.
type ToolResultFrame struct {
	base
	RunID      string
	SessionKey string
	Tool       string
	CallID     string
}

// ChatFrame is a user-facing chat message for a run.
type ChatFrame struct {
	base
	RunID      string
	SessionKey string
	State      string
	Text       string
}

// BridgeStatusFrame is emitted by the bridge itself, never by the gateway.
type BridgeStatusFrame struct {
	base
	Connected bool
	Node      string
}

// UnknownFrame is any other well-formed frame.
type UnknownFrame struct {
	base
}
