// ABOUTME: Tests for the dedupe cache and frame keys
// ABOUTME: TTL expiry with a fake clock, size-bound eviction, sweeping and concurrency

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(ttl, size, 0, WithClock(clock.Now)), clock
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)
	defer cache.Close()

	assert.False(t, cache.Seen("k"))
	assert.False(t, cache.CheckAndMark("k"), "first sight is not a duplicate")
	assert.True(t, cache.CheckAndMark("k"), "second sight is")
	assert.True(t, cache.Seen("k"))
}

func TestCache_Expiry(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)
	defer cache.Close()

	cache.CheckAndMark("k")
	clock.Advance(59 * time.Second)
	assert.True(t, cache.Seen("k"))

	clock.Advance(2 * time.Second)
	assert.False(t, cache.Seen("k"))
	assert.False(t, cache.CheckAndMark("k"), "expired keys are fresh again")
}

func TestCache_EvictsOldest(t *testing.T) {
	cache, _ := newTestCache(time.Hour, 2)
	defer cache.Close()

	cache.CheckAndMark("a")
	cache.CheckAndMark("b")
	cache.CheckAndMark("c")

	assert.Equal(t, 2, cache.Len())
	assert.False(t, cache.Seen("a"))
	assert.True(t, cache.Seen("b"))
	assert.True(t, cache.Seen("c"))
}

func TestCache_Sweep(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)
	defer cache.Close()

	cache.CheckAndMark("old")
	clock.Advance(2 * time.Minute)
	cache.CheckAndMark("new")

	cache.Sweep()
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("new"))
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10, time.Millisecond)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache, _ := newTestCache(time.Hour, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("shared") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh, "exactly one caller wins")
}

func TestFrameKey(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"agent frame", `{"type":"event","event":"agent","seq":7,"payload":{"runId":"r1","stream":"assistant"}}`, "agent:r1:7:assistant"},
		{"payload seq", `{"type":"event","event":"agent","payload":{"runId":"r1","seq":3,"stream":"tool"}}`, "agent:r1:3:tool"},
		{"chat frame", `{"type":"event","event":"chat","seq":2,"payload":{"runId":"r1"}}`, "chat:r1:2"},
		{"no run id", `{"type":"event","event":"agent","seq":7,"payload":{"stream":"assistant"}}`, ""},
		{"no seq", `{"type":"event","event":"agent","payload":{"runId":"r1"}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := protocol.Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, FrameKey(f))
		})
	}
}
