// ABOUTME: Tests for the heartbeat emitter and the online/offline service
// ABOUTME: Emitter runs against an httptest server; the service uses a fake clock

package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func TestEmitter_Beat(t *testing.T) {
	var got Report
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/heartbeat", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL+"/", "tok", "relay-1")
	require.NoError(t, e.Beat(context.Background(), true))
	assert.Equal(t, "relay-1", got.Name)
	assert.Equal(t, store.NodeOnline, got.Status)
	assert.NotEmpty(t, got.Hostname)
	assert.Equal(t, "Bearer tok", auth)

	require.NoError(t, e.Beat(context.Background(), false))
	assert.Equal(t, store.NodeOffline, got.Status)
}

func TestEmitter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewEmitter(srv.URL, "", "relay-1").Beat(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestService_Staleness(t *testing.T) {
	ms := store.NewMockStore()
	svc := NewService(ms, 90*time.Second)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := svc.Record(ctx, Report{Name: "a", Hostname: "host-a"})
	require.NoError(t, err)
	_, err = svc.Record(ctx, Report{Name: "b", Status: store.NodeOffline})
	require.NoError(t, err)

	now = now.Add(60 * time.Second)
	_, err = svc.Record(ctx, Report{Name: "c", Status: "weird"})
	require.NoError(t, err)

	view, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Online)
	assert.Equal(t, 1, view.Offline)

	now = now.Add(31 * time.Second) // a is now 91s old
	view, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 3)
	assert.Equal(t, store.NodeOffline, view.Nodes[0].Status, "a went stale")
	assert.Equal(t, store.NodeOffline, view.Nodes[1].Status, "b reported offline")
	assert.Equal(t, store.NodeOnline, view.Nodes[2].Status)
	assert.Equal(t, "b", view.Nodes[1].Hostname, "hostname defaults to name")
	assert.Equal(t, 1, view.Online)
}

func TestService_RejectsNameless(t *testing.T) {
	svc := NewService(store.NewMockStore(), time.Minute)
	_, err := svc.Record(context.Background(), Report{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidReport)
}
