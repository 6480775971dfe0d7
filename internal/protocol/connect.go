// ABOUTME: Outbound connect request shapes for the gateway handshake
// ABOUTME: Mirrors the gateway's req/connect schema including the signed device proof

package protocol

// Request is an outbound RPC frame.
type Request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ClientInfo describes this bridge to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// ConnectAuth carries the bearer or device token.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// DeviceProof binds the connect request to the challenge nonce.
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Caps        []string     `json:"caps"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Device      *DeviceProof `json:"device,omitempty"`
}

// NewConnectRequest wraps params in a req frame.
func NewConnectRequest(id string, params ConnectParams) Request {
	if params.Caps == nil {
		params.Caps = []string{}
	}
	return Request{Type: TypeReq, ID: id, Method: "connect", Params: params}
}
