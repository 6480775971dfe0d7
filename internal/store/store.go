// ABOUTME: Store interface and data types for the relay's operational state
// ABOUTME: Agent state rows, the append-only event log, chat messages and node heartbeats

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agent statuses rendered by the dashboard.
const (
	StatusIdle        = "idle"
	StatusWorking     = "working"
	StatusThinking    = "thinking"
	StatusTalking     = "talking"
	StatusPosting     = "posting"
	StatusResearching = "researching"
	StatusError       = "error"
	StatusSleeping    = "sleeping"
	StatusMonitoring  = "monitoring"
)

// Event types appended by the reducer.
const (
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventToolUse       = "tool_use"
	EventToolResult    = "tool_result"
	EventChat          = "chat"
	EventRoomMove      = "room_move"
	EventDispatch      = "dispatch"
	EventAlert         = "alert"
	EventSystem        = "system"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Node statuses
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// AgentState is the dashboard's view of one agent.
type AgentState struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	CurrentTask  string    `json:"currentTask,omitempty"`
	CurrentRoom  string    `json:"currentRoom,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// AgentUpdate is a partial write. An empty Status and nil Task or Room leave the
// stored value untouched; a pointer to "" clears it.
type AgentUpdate struct {
	Status string
	Task   *string
	Room   *string
	At     time.Time
}

// Text returns a pointer to s for AgentUpdate fields.
func Text(s string) *string { return &s }

// Apply merges u into a copy of s.
func (u AgentUpdate) Apply(s AgentState) AgentState {
	if u.Status != "" {
		s.Status = u.Status
	}
	if u.Task != nil {
		s.CurrentTask = *u.Task
	}
	if u.Room != nil {
		s.CurrentRoom = *u.Room
	}
	if !u.At.IsZero() {
		s.LastActiveAt = u.At
	}
	return s
}

// Event is one entry of the append-only activity log.
type Event struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	RunID     string         `json:"runId,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Message is a chat line persisted for an agent.
type Message struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RunID     string    `json:"runId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Node is a host that reports heartbeats.
type Node struct {
	Name     string    `json:"name"`
	Hostname string    `json:"hostname"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Agent string
	Type  string
	Limit int
}

// Store is the narrow read/write contract the relay needs.
type Store interface {
	GetAgent(ctx context.Context, name string) (*AgentState, error)
	ListAgents(ctx context.Context) ([]*AgentState, error)
	// UpdateAgent applies a partial update, creating the agent row if needed.
	UpdateAgent(ctx context.Context, name string, update AgentUpdate) error

	AppendEvent(ctx context.Context, event *Event) error
	// ListEvents returns the newest events first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	SaveMessage(ctx context.Context, msg *Message) error
	// ListMessages returns an agent's messages oldest first.
	ListMessages(ctx context.Context, agent string, limit int) ([]*Message, error)

	UpsertNode(ctx context.Context, node *Node) error
	ListNodes(ctx context.Context) ([]*Node, error)

	Close() error
}

// prepareEvent fills in the id and timestamp when the caller left them empty.
func prepareEvent(e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func prepareMessage(m *Message) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
