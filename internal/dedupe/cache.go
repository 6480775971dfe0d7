// ABOUTME: Thread-safe TTL cache that absorbs frames the relay has already applied
// ABOUTME: Keys are derived from run id, sequence and stream; oldest keys are evicted first

package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for a TTL, bounded in size.
// A linked list keeps insertion order so eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache and starts a goroutine that sweeps expired keys every sweep interval.
// A zero sweep disables the goroutine; expired keys are then only replaced lazily.
func New(ttl time.Duration, maxSize int, sweep time.Duration, opts ...Option) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweep > 0 {
		go c.cleanup(sweep)
	}
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.seenAt) < c.ttl
}

// CheckAndMark returns true if key is a duplicate; otherwise it marks key and returns false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(key string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}
	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops expired keys.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// insertion order matches seenAt order, so stop at the first live key
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// FrameKey identifies a delivery for replay suppression. It returns "" for frames
// without a run id; those are never deduplicated here.
func FrameKey(f protocol.Frame) string {
	env := f.Envelope()
	runID := protocol.String(env.Fields, "runId")
	if runID == "" {
		return ""
	}
	key := env.Family() + ":" + runID
	if env.Seq != nil {
		key += ":" + strconv.FormatInt(*env.Seq, 10)
	} else if seq, ok := protocol.Number(env.Fields, "seq"); ok {
		key += ":" + strconv.FormatInt(seq, 10)
	} else {
		return ""
	}
	if stream := protocol.String(env.Fields, "stream"); stream != "" {
		key += ":" + stream
	}
	return key
}
