// ABOUTME: Reconnect delay calculation for the gateway bridge
// ABOUTME: Grows by 1.5x per failed attempt, capped

package bridge

import (
	"math"
	"time"
)

// BackoffFactor is the growth rate between consecutive reconnect attempts.
const BackoffFactor = 1.5

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 1.5^(n-1), cap). Attempts below 1 are treated as 1.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(BackoffFactor, float64(attempt-1))
	if cap > 0 && d > float64(cap) {
		return cap
	}
	return time.Duration(d)
}
