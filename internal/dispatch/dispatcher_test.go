// ABOUTME: Tests for settled multi-agent dispatch against an httptest invocation endpoint
// ABOUTME: Partial failure, timeouts, unknown agents and request validation

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/roster"
)

func TestDispatch_SettledResults(t *testing.T) {
	var mu sync.Mutex
	var seen []invokeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()

		if req.AgentID == "forge" {
			http.Error(w, "agent busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := New(Config{InvokeURL: srv.URL, ReplyChannel: "dashboard", ReplyTo: "ops"}, roster.Default(), nil)
	results, err := d.Dispatch(context.Background(), []string{"echo", "forge", "coder", "ghost"}, "status please")
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, Result{Agent: "echo", Status: Fulfilled, Value: json.RawMessage(`{"ok":true}`)}, results[0])
	assert.Equal(t, Rejected, results[1].Status)
	assert.Contains(t, results[1].Reason, "503")
	assert.Equal(t, "forge", results[2].Agent, "ids are canonicalized")
	assert.Equal(t, Rejected, results[2].Status)
	assert.Equal(t, Result{Agent: "ghost", Status: Rejected, Reason: "unknown agent"}, results[3])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for _, req := range seen {
		assert.Equal(t, "status please", req.Message)
		assert.Equal(t, "dashboard", req.Channel)
		assert.Equal(t, "ops", req.ReplyTo)
		assert.True(t, req.Deliver)
		assert.NotEmpty(t, req.IdempotencyKey)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := New(Config{InvokeURL: srv.URL, Timeout: 20 * time.Millisecond}, roster.Default(), nil)
	results, err := d.Dispatch(context.Background(), []string{"scout"}, "hi")
	require.NoError(t, err)
	assert.Equal(t, Rejected, results[0].Status)
}

func TestDispatch_Validation(t *testing.T) {
	d := New(Config{InvokeURL: "http://127.0.0.1:1"}, roster.Default(), nil)

	_, err := d.Dispatch(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, ErrNoAgents)
	_, err = d.Dispatch(context.Background(), []string{"echo"}, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	unconfigured := New(Config{}, roster.Default(), nil)
	_, err = unconfigured.Dispatch(context.Background(), []string{"echo"}, "hi")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
