// ABOUTME: Contract tests for the relay database schema
// ABOUTME: Dashboards read these tables directly, so columns must not silently disappear

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

var expectedSchema = map[string][]string{
	"agents": {
		"name", "status", "current_task", "current_room", "last_active_at",
	},
	"events": {
		"seq", "id", "agent", "type", "title", "run_id", "meta", "created_at",
	},
	"messages": {
		"seq", "id", "agent", "role", "content", "run_id", "created_at",
	},
	"nodes": {
		"name", "hostname", "status", "last_seen",
	},
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	sqliteStore, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	// the store owns its connection, so inspect through a second one
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		sqliteStore.Close()
	})
	return db
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for table, want := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			got, err := tableColumns(ctx, db, table)
			require.NoError(t, err)
			require.NotEmpty(t, got, "table %s should exist", table)

			for _, col := range want {
				assert.True(t, got[col], "column %s.%s should exist", table, col)
			}
			for col := range got {
				if !slices.Contains(want, col) {
					t.Logf("INFO: extra column %s.%s not in contract", table, col)
				}
			}
		})
	}
}

func TestSchemaHasIndexes(t *testing.T) {
	db := setupTestDB(t)

	rows, err := db.QueryContext(context.Background(), "SELECT name FROM sqlite_master WHERE type='index'")
	require.NoError(t, err)
	defer rows.Close()

	indexes := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes[name] = true
	}
	require.NoError(t, rows.Err())

	for _, idx := range []string{"idx_events_agent", "idx_events_type", "idx_messages_agent"} {
		assert.True(t, indexes[idx], "index %s should exist", idx)
	}
}
