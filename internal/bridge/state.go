// ABOUTME: Connection states of the gateway bridge
// ABOUTME: Disconnected -> Connecting -> AwaitingChallenge -> Authenticating -> Connected -> Closing|Faulted

package bridge

// State is where a Manager is in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateConnected
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
