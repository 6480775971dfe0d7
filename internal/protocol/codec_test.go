// ABOUTME: Tests for the frame codec
// ABOUTME: Covers frame classification, text extraction, batches, and malformed input

package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) Frame {
	t.Helper()
	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	return f
}

func TestDecode_Challenge(t *testing.T) {
	f := decode(t, `{"type":"event","event":"connect.challenge","payload":{"nonce":"n-1","ts":1}}`)
	ch, ok := f.(*ChallengeFrame)
	require.True(t, ok, "got %T", f)
	assert.Equal(t, "n-1", ch.Nonce)
}

func TestDecode_Response(t *testing.T) {
	f := decode(t, `{"type":"res","id":"r1","ok":true,"payload":{"type":"hello-ok","policy":{"tickIntervalMs":15000},"auth":{"deviceToken":"dt"}}}`)
	res, ok := f.(*ResponseFrame)
	require.True(t, ok)
	assert.True(t, res.OK)
	assert.Equal(t, "r1", res.ID)
	assert.Equal(t, 15*time.Second, res.TickInterval)
	assert.Equal(t, "dt", res.DeviceToken)

	f = decode(t, `{"type":"res","id":"r2","ok":false,"error":{"message":"bad token"}}`)
	res = f.(*ResponseFrame)
	assert.False(t, res.OK)
	assert.Equal(t, "bad token", res.ErrorMessage)
}

func TestDecode_TickAndSystem(t *testing.T) {
	_, ok := decode(t, `{"type":"event","event":"tick","payload":{"ts":1}}`).(*TickFrame)
	assert.True(t, ok)
	_, ok = decode(t, `{"type":"event","event":"presence","payload":{}}`).(*SystemFrame)
	assert.True(t, ok)
}

func TestDecode_AgentStreams(t *testing.T) {
	f := decode(t, `{"type":"event","event":"agent","payload":{"runId":"r1","stream":"lifecycle","sessionKey":"agent:main:main","data":{"phase":"start"}}}`)
	lc, ok := f.(*LifecycleFrame)
	require.True(t, ok)
	assert.Equal(t, "r1", lc.RunID)
	assert.Equal(t, PhaseStart, lc.Phase)
	assert.Equal(t, "agent:main:main", lc.SessionKey)

	f = decode(t, `{"type":"event","event":"agent","payload":{"runId":"r1","stream":"assistant","data":{"text":"Hi there"}}}`)
	as, ok := f.(*AssistantFrame)
	require.True(t, ok)
	assert.Equal(t, "Hi there", as.Text)

	f = decode(t, `{"type":"event","event":"agent","payload":{"runId":"r1","stream":"tool","data":{"phase":"start","name":"search","toolCallId":"c1"}}}`)
	tc, ok := f.(*ToolCallFrame)
	require.True(t, ok)
	assert.Equal(t, "search", tc.Tool)
	assert.Equal(t, "c1", tc.CallID)

	f = decode(t, `{"type":"event","event":"agent","payload":{"runId":"r1","stream":"tool","data":{"phase":"result","name":"search"}}}`)
	_, ok = f.(*ToolResultFrame)
	assert.True(t, ok)

	f = decode(t, `{"type":"event","event":"agent","payload":{"runId":"r1","stream":"lifecycle","data":{"phase":"paused"}}}`)
	_, ok = f.(*UnknownFrame)
	assert.True(t, ok)
}

func TestDecode_ChatText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"content parts", `{"type":"event","event":"chat","payload":{"runId":"r","message":{"role":"user","content":[{"type":"text","text":"hello"},{"type":"image"}]}}}`, "hello"},
		{"content string", `{"type":"event","event":"chat","payload":{"message":{"content":"plain"}}}`, "plain"},
		{"message text", `{"type":"event","event":"chat","payload":{"message":{"text":"mt"}}}`, "mt"},
		{"top-level text", `{"type":"event","event":"chat","payload":{"text":"","content":"fallback"}}`, "fallback"},
		{"data text", `{"type":"event","event":"chat","payload":{"data":{"text":"deep"}}}`, "deep"},
		{"empty", `{"type":"event","event":"chat","payload":{}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := decode(t, tt.raw)
			chat, ok := f.(*ChatFrame)
			require.True(t, ok)
			assert.Equal(t, tt.want, chat.Text)
		})
	}
}

func TestDecode_Bridge(t *testing.T) {
	f := decode(t, `{"type":"bridge","event":"connected","payload":{"node":"relay-1"}}`)
	bs, ok := f.(*BridgeStatusFrame)
	require.True(t, ok)
	assert.True(t, bs.Connected)
	assert.Equal(t, "relay-1", bs.Node)
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"event":"tick"}`, `[1,2]`} {
		_, err := Decode([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedFrame), "input %q", raw)
	}
}

func TestDecodeBatch(t *testing.T) {
	frames, errs, batch, err := DecodeBatch([]byte(`{"events":[{"type":"event","event":"tick"},{"bogus":true},{"type":"bridge","event":"disconnected"}]}`))
	require.NoError(t, err)
	assert.True(t, batch)
	assert.Len(t, frames, 2)
	assert.Len(t, errs, 1)

	frames, _, batch, err = DecodeBatch([]byte(`{"type":"event","event":"tick"}`))
	require.NoError(t, err)
	assert.False(t, batch)
	assert.Len(t, frames, 1)
}

func TestNewBridgeStatusFrame_RoundTrips(t *testing.T) {
	f := NewBridgeStatusFrame(false, "relay-2")
	again, err := Decode(f.Envelope().Raw)
	require.NoError(t, err)
	bs, ok := again.(*BridgeStatusFrame)
	require.True(t, ok)
	assert.False(t, bs.Connected)
	assert.Equal(t, "relay-2", bs.Node)
}

func TestNewConnectRequest(t *testing.T) {
	req := NewConnectRequest("c1", ConnectParams{MinProtocol: 3, MaxProtocol: 3, Role: "operator"})
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"method":"connect"`)
	assert.Contains(t, string(data), `"caps":[]`)
	assert.NotContains(t, string(data), `"device"`)
}
