// ABOUTME: Tests for the reconnect backoff schedule
// ABOUTME: Covers growth, the cap and out-of-range attempts

package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Sequence(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
	}
	for i, w := range want {
		assert.Equal(t, w, Backoff(i+1, base, cap), "attempt %d", i+1)
	}
}

func TestBackoff_Capped(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(10, time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, Backoff(100, time.Second, 30*time.Second))
}

func TestBackoff_AttemptBelowOne(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0, time.Second, 30*time.Second))
	assert.Equal(t, time.Second, Backoff(-3, time.Second, 30*time.Second))
}

func TestBackoff_Monotonic(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := Backoff(n, 250*time.Millisecond, 10*time.Second)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 10*time.Second)
		prev = d
	}
}
