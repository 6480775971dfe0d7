// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory state with per-operation failure injection for downstream-error tests

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Operation names accepted by MockStore.FailOn.
const (
	OpUpdateAgent = "UpdateAgent"
	OpAppendEvent = "AppendEvent"
	OpSaveMessage = "SaveMessage"
	OpUpsertNode  = "UpsertNode"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*AgentState
	events   []*Event
	messages []*Message
	nodes    map[string]*Node
	failures map[string]error
	calls    map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*AgentState),
		nodes:    make(map[string]*Node),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailOn makes every later call of op return err. A nil err clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls reports how many times op was invoked, failed calls included.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter records a call and returns the injected failure, if any. Caller holds mu.
func (m *MockStore) enter(op string) error {
	m.calls[op]++
	return m.failures[op]
}

// GetAgent returns a copy of the agent's state.
func (m *MockStore) GetAgent(ctx context.Context, name string) (*AgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns copies of every agent ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentState, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// UpdateAgent applies a partial update.
func (m *MockStore) UpdateAgent(ctx context.Context, name string, update AgentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpUpdateAgent); err != nil {
		return err
	}
	current, ok := m.agents[name]
	if !ok {
		current = &AgentState{Name: name, Status: StatusIdle}
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	next := update.Apply(*current)
	m.agents[name] = &next
	return nil
}

// AppendEvent stores a copy of the event.
func (m *MockStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpAppendEvent); err != nil {
		return err
	}
	prepareEvent(event)
	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListEvents returns matching events newest first.
func (m *MockStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.Agent != "" && e.Agent != filter.Agent {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		c := *e
		result = append(result, &c)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// SaveMessage stores a copy of the message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpSaveMessage); err != nil {
		return err
	}
	prepareMessage(msg)
	c := *msg
	m.messages = append(m.messages, &c)
	return nil
}

// ListMessages returns the agent's most recent messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, agent string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.Agent == agent {
			c := *msg
			result = append(result, &c)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// UpsertNode records a node.
func (m *MockStore) UpsertNode(ctx context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(OpUpsertNode); err != nil {
		return err
	}
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now().UTC()
	}
	c := *node
	m.nodes[c.Name] = &c
	return nil
}

// ListNodes returns copies of every node ordered by name.
func (m *MockStore) ListNodes(ctx context.Context) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		c := *n
		nodes = append(nodes, &c)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
