// ABOUTME: Frame codec: validates raw payloads and decodes them into typed frames
// ABOUTME: Also builds the outbound connect request and bridge status frames

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedFrame is returned for payloads that are not a frame object.
var ErrMalformedFrame = errors.New("malformed frame")

// Decode parses one frame. The payload is decoded once and kept on the envelope.
func Decode(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	env.Raw = append([]byte(nil), data...)
	if len(env.Payload) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(env.Payload, &fields); err == nil {
			env.Fields = fields
		}
	}
	return classify(&env), nil
}

// DecodeBatch accepts either a single frame or {"events":[...]}.
// Malformed entries inside a batch are returned as errors alongside the good frames.
func DecodeBatch(data []byte) (frames []Frame, errs []error, batch bool, err error) {
	var probe struct {
		Events []json.RawMessage `json:"events"`
	}
	if jerr := json.Unmarshal(data, &probe); jerr != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrMalformedFrame, jerr)
	}
	if probe.Events == nil {
		f, derr := Decode(data)
		if derr != nil {
			return nil, nil, false, derr
		}
		return []Frame{f}, nil, false, nil
	}
	for i, raw := range probe.Events {
		f, derr := Decode(raw)
		if derr != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, derr))
			continue
		}
		frames = append(frames, f)
	}
	return frames, errs, true, nil
}

func classify(env *Envelope) Frame {
	b := base{env: env}
	p := env.Fields

	switch env.Type {
	case TypeRes:
		res := &ResponseFrame{base: b, ID: env.ID, OK: env.OK != nil && *env.OK}
		if ms, ok := Number(p, "policy", "tickIntervalMs"); ok && ms > 0 {
			res.TickInterval = time.Duration(ms) * time.Millisecond
		}
		res.DeviceToken = String(p, "auth", "deviceToken")
		if env.Error != nil {
			res.ErrorMessage = env.Error.Message
		}
		return res

	case TypeBridge:
		return &BridgeStatusFrame{
			base:      b,
			Connected: env.Event == "connected",
			Node:      String(p, "node"),
		}

	case TypeEvent:
		// handled below

	default:
		return &UnknownFrame{base: b}
	}

	switch {
	case env.Event == EventChallenge:
		return &ChallengeFrame{base: b, Nonce: String(p, "nonce")}
	case env.Event == EventTick:
		return &TickFrame{base: b}
	case systemEvents[env.Event]:
		return &SystemFrame{base: b}
	case env.Event == EventChat:
		return &ChatFrame{
			base:       b,
			RunID:      String(p, "runId"),
			SessionKey: String(p, "sessionKey"),
			State:      String(p, "state"),
			Text:       ChatText(p),
		}
	case env.Event == EventAgent:
		return classifyAgent(b, p)
	}
	return &UnknownFrame{base: b}
}

func classifyAgent(b base, p map[string]any) Frame {
	runID := String(p, "runId")
	sessionKey := String(p, "sessionKey")

	switch String(p, "stream") {
	case StreamLifecycle:
		phase := String(p, "data", "phase")
		if phase == PhaseStart || phase == PhaseEnd || phase == PhaseError {
			return &LifecycleFrame{
				base:       b,
				RunID:      runID,
				SessionKey: sessionKey,
				Phase:      phase,
				Error:      String(p, "data", "error"),
			}
		}
	case StreamAssistant:
		return &AssistantFrame{base: b, RunID: runID, SessionKey: sessionKey, Text: String(p, "data", "text")}
	case StreamTool:
		name := String(p, "data", "name")
		callID := String(p, "data", "toolCallId")
		switch String(p, "data", "phase") {
		case "start", "call":
			return &ToolCallFrame{base: b, RunID: runID, SessionKey: sessionKey, Tool: name, CallID: callID}
		case "result", "end":
			return &ToolResultFrame{base: b, RunID: runID, SessionKey: sessionKey, Tool: name, CallID: callID}
		}
	}
	return &UnknownFrame{base: b}
}

// ChatText returns the first non-empty message text among the fields the
// gateway has used over time.
func ChatText(p map[string]any) string {
	if s := contentText(Lookup(p, "message", "content")); s != "" {
		return s
	}
	for _, path := range [][]string{{"message", "text"}, {"text"}, {"content"}, {"data", "text"}} {
		if s := strings.TrimSpace(String(p, path...)); s != "" {
			return s
		}
	}
	return ""
}

// contentText flattens a string or an array of {type:"text", text} parts.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return strings.TrimSpace(c)
	case []any:
		var parts []string
		for _, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t != "" && t != "text" {
				continue
			}
			if s, _ := m["text"].(string); strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// Lookup walks nested objects by key.
func Lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// String returns the string at path, or "".
func String(m map[string]any, path ...string) string {
	s, _ := Lookup(m, path...).(string)
	return s
}

// Number returns the number at path.
func Number(m map[string]any, path ...string) (int64, bool) {
	f, ok := Lookup(m, path...).(float64)
	return int64(f), ok
}

// NewBridgeStatusFrame builds a connectivity frame as if it had been decoded.
func NewBridgeStatusFrame(connected bool, node string) *BridgeStatusFrame {
	event := "disconnected"
	if connected {
		event = "connected"
	}
	payload, _ := json.Marshal(map[string]string{"node": node})
	env := &Envelope{Type: TypeBridge, Event: event, Payload: payload, Fields: map[string]any{"node": node}}
	env.Raw, _ = json.Marshal(env)
	return &BridgeStatusFrame{base: base{env: env}, Connected: connected, Node: node}
}
