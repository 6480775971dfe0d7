// ABOUTME: In-memory fan-out of appended activity events to live feed subscribers
// ABOUTME: Subscribers filter by agent or take everything; slow subscribers drop events

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allAgents is the subscription key that matches every event.
	allAgents = ""
)

// Broadcaster provides in-memory pub/sub for appended store events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Event // agent -> subID -> ch
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events about agent, or every agent when agent is "".
// The subscription is removed and the channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agent string) (<-chan *store.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[agent]; !ok {
		b.subscribers[agent] = make(map[string]chan *store.Event)
	}
	b.subscribers[agent][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent", agent, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agent, subID)
	}()

	return ch, subID
}

// Publish delivers event to its agent's subscribers and to catch-all subscribers.
// Sends never block; a full subscriber misses the event.
func (b *Broadcaster) Publish(event *store.Event) {
	// the read lock is held across sends so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := []string{allAgents}
	if event.Agent != allAgents {
		keys = append(keys, event.Agent)
	}
	for _, key := range keys {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
			default:
				b.logger.Debug("dropped event for slow subscriber", "agent", key, "event_id", event.ID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agent, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agent]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agent)
	}

	b.logger.Debug("subscriber removed", "agent", agent, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agent, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agent)
	}

	b.logger.Debug("broadcaster closed")
}
