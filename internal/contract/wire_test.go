// ABOUTME: Contract tests for the gateway wire format the bridge speaks
// ABOUTME: Pins JSON field names of the connect request, bridge frames and the signed payload

package contract

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/protocol"
)

func TestConnectRequestShape(t *testing.T) {
	req := protocol.NewConnectRequest("req-1", protocol.ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client:      protocol.ClientInfo{ID: "coven-relay", Version: "1.0.0", Platform: "linux", Mode: "backend"},
		Auth:        &protocol.ConnectAuth{Token: "tok"},
		Role:        "operator",
		Scopes:      []string{"operator.read"},
		Device:      &protocol.DeviceProof{ID: "dev", PublicKey: "pk", Signature: "sig", SignedAt: 1700000000000, Nonce: "n"},
	})

	data, err := json.Marshal(req)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "req",
		"id": "req-1",
		"method": "connect",
		"params": {
			"minProtocol": 3,
			"maxProtocol": 3,
			"client": {"id": "coven-relay", "version": "1.0.0", "platform": "linux", "mode": "backend"},
			"caps": [],
			"auth": {"token": "tok"},
			"role": "operator",
			"scopes": ["operator.read"],
			"device": {"id": "dev", "publicKey": "pk", "signature": "sig", "signedAt": 1700000000000, "nonce": "n"}
		}
	}`, string(data))
}

func TestBridgeStatusFrameShape(t *testing.T) {
	f := protocol.NewBridgeStatusFrame(false, "node-1")

	var got map[string]any
	require.NoError(t, json.Unmarshal(f.Envelope().Raw, &got))
	assert.Equal(t, "bridge", got["type"])
	assert.Equal(t, "disconnected", got["event"])
	assert.Equal(t, map[string]any{"node": "node-1"}, got["payload"])

	// what the bridge emits must decode back to the same frame on the relay side
	decoded, err := protocol.Decode(f.Envelope().Raw)
	require.NoError(t, err)
	status, ok := decoded.(*protocol.BridgeStatusFrame)
	require.True(t, ok)
	assert.False(t, status.Connected)
	assert.Equal(t, "node-1", status.Node)
}

func TestResponseFrameFields(t *testing.T) {
	raw := `{"type":"res","id":"req-1","ok":true,"payload":{"policy":{"tickIntervalMs":15000},"auth":{"deviceToken":"dt"}}}`
	f, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)

	res, ok := f.(*protocol.ResponseFrame)
	require.True(t, ok)
	assert.True(t, res.OK)
	assert.Equal(t, 15*time.Second, res.TickInterval)
	assert.Equal(t, "dt", res.DeviceToken)
}

func TestSignaturePayloadFormat(t *testing.T) {
	payload := auth.SignaturePayload(auth.SignatureInput{
		DeviceID:   "abc",
		ClientID:   "coven-relay",
		ClientMode: "backend",
		Role:       "operator",
		Scopes:     []string{"operator.read", "operator.write"},
		SignedAt:   time.UnixMilli(1700000000123),
		Token:      "tok",
		Nonce:      "nonce",
	})
	assert.Equal(t, "v2|abc|coven-relay|backend|operator|operator.read,operator.write|1700000000123|tok|nonce", payload)
}
