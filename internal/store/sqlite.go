// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent state, event, message and node persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'idle',
			current_task TEXT NOT NULL DEFAULT '',
			current_room TEXT NOT NULL DEFAULT '',
			last_active_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			agent TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			run_id TEXT,
			meta TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent, seq);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, seq);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			agent TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			run_id TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent, seq);

		CREATE TABLE IF NOT EXISTS nodes (
			name TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			status TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// GetAgent retrieves an agent's state.
// Returns ErrNotFound if the agent has never been written.
func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*AgentState, error) {
	return s.getAgent(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getAgent(ctx context.Context, q queryer, name string) (*AgentState, error) {
	var a AgentState
	var lastActive string
	err := q.QueryRowContext(ctx, `
		SELECT name, status, current_task, current_room, last_active_at
		FROM agents WHERE name = ?
	`, name).Scan(&a.Name, &a.Status, &a.CurrentTask, &a.CurrentRoom, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	a.LastActiveAt, err = parseTime(lastActive)
	if err != nil {
		return nil, fmt.Errorf("parsing agent last_active_at: %w", err)
	}
	return &a, nil
}

// ListAgents returns every agent ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, current_task, current_room, last_active_at
		FROM agents ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentState
	for rows.Next() {
		var a AgentState
		var lastActive string
		if err := rows.Scan(&a.Name, &a.Status, &a.CurrentTask, &a.CurrentRoom, &lastActive); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		if a.LastActiveAt, err = parseTime(lastActive); err != nil {
			return nil, fmt.Errorf("parsing agent last_active_at: %w", err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgent applies a partial update inside a transaction so concurrent
// writers cannot interleave the read and the write.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, name string, update AgentUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := s.getAgent(ctx, tx, name)
	if errors.Is(err, ErrNotFound) {
		current = &AgentState{Name: name, Status: StatusIdle}
	} else if err != nil {
		return err
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	next := update.Apply(*current)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (name, status, current_task, current_room, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			current_task = excluded.current_task,
			current_room = excluded.current_room,
			last_active_at = excluded.last_active_at
	`, name, next.Status, next.CurrentTask, next.CurrentRoom, formatTime(next.LastActiveAt))
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agent update: %w", err)
	}

	s.logger.Debug("updated agent", "name", name, "status", next.Status)
	return nil
}

// AppendEvent adds an event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	prepareEvent(event)

	var meta any
	if len(event.Meta) > 0 {
		data, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("encoding event meta: %w", err)
		}
		meta = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, agent, type, title, run_id, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Agent, event.Type, event.Title, nullString(event.RunID), meta, formatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event", "id", event.ID, "agent", event.Agent, "type", event.Type)
	return nil
}

// ListEvents returns events newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, agent, type, title, run_id, meta, created_at FROM events WHERE 1=1`
	var args []any
	if filter.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, filter.Agent)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var runID, meta *string
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Agent, &e.Type, &e.Title, &runID, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if runID != nil {
			e.RunID = *runID
		}
		if meta != nil {
			if err := json.Unmarshal([]byte(*meta), &e.Meta); err != nil {
				return nil, fmt.Errorf("decoding event meta: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing event created_at: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

// SaveMessage saves a message to the database
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	prepareMessage(msg)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, agent, role, content, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Agent, msg.Role, msg.Content, nullString(msg.RunID), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "agent", msg.Agent, "role", msg.Role)
	return nil
}

// ListMessages retrieves an agent's messages, limited to the most recent `limit`.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, agent string, limit int) ([]*Message, error) {
	query := `
		SELECT id, agent, role, content, run_id, created_at FROM (
			SELECT seq, id, agent, role, content, run_id, created_at
			FROM messages WHERE agent = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var runID *string
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Agent, &m.Role, &m.Content, &runID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if runID != nil {
			m.RunID = *runID
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// UpsertNode records a node heartbeat.
func (s *SQLiteStore) UpsertNode(ctx context.Context, node *Node) error {
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, hostname, status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hostname = excluded.hostname,
			status = excluded.status,
			last_seen = excluded.last_seen
	`, node.Name, node.Hostname, node.Status, formatTime(node.LastSeen))
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}
	return nil
}

// ListNodes returns every node ordered by name.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, hostname, status, last_seen FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		var lastSeen string
		if err := rows.Scan(&n.Name, &n.Hostname, &n.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		if n.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing node last_seen: %w", err)
		}
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}
	return nodes, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Compile-time check
var _ Store = (*SQLiteStore)(nil)
