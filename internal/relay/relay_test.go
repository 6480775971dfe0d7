// ABOUTME: Tests for the relay HTTP API and composition root
// ABOUTME: Drives frames through POST /bridge and checks state, dedupe, auth and the live feed

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/reducer"
	"github.com/2389/coven-relay/internal/store"
)

const (
	startFrame = `{"type":"event","event":"agent","payload":{"runId":"r1","seq":1,"stream":"lifecycle","sessionKey":"agent:forge:main","data":{"phase":"start"}}}`
	endFrame   = `{"type":"event","event":"agent","payload":{"runId":"r1","seq":9,"stream":"lifecycle","sessionKey":"agent:forge:main","data":{"phase":"end"}}}`
)

func newTestRelay(t *testing.T, mutate func(cfg *config.Config)) (*Relay, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Database.Path = ":memory:"
	if mutate != nil {
		mutate(cfg)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)

	r, err := New(cfg, nil, Options{DisableBridge: true, Store: s})
	require.NoError(t, err)

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBridgeIngest_SingleFrame(t *testing.T) {
	r, srv := newTestRelay(t, nil)

	resp := postJSON(t, srv.URL+"/bridge", startFrame)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[BridgeResponse](t, resp)
	assert.True(t, body.OK)
	assert.Equal(t, 1, body.Processed)
	require.NotNil(t, body.Result)
	assert.Equal(t, "lifecycle.start", body.Result.Kind)
	assert.Equal(t, "forge", body.Result.Agent)
	assert.True(t, body.Result.Applied)

	agent, err := r.store.GetAgent(context.Background(), "forge")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWorking, agent.Status)
	assert.Equal(t, 1, r.reducer.Runs().Len())
}

func TestBridgeIngest_DuplicateFrameAbsorbed(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	first := decode[BridgeResponse](t, postJSON(t, srv.URL+"/bridge", startFrame))
	require.NotNil(t, first.Result)
	assert.False(t, first.Result.Duplicate)

	second := decode[BridgeResponse](t, postJSON(t, srv.URL+"/bridge", startFrame))
	require.NotNil(t, second.Result)
	assert.True(t, second.Result.Duplicate)
	assert.False(t, second.Result.Applied)
}

func TestBridgeIngest_Batch(t *testing.T) {
	r, srv := newTestRelay(t, nil)

	batch := `{"events":[` + startFrame + `,"not a frame",` + endFrame + `]}`
	resp := postJSON(t, srv.URL+"/bridge", batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[BridgeResponse](t, resp)
	assert.Equal(t, 2, body.Processed)
	assert.Equal(t, 1, body.Skipped)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "lifecycle.start", body.Results[0].Kind)
	assert.Equal(t, "lifecycle.end", body.Results[1].Kind)

	events, err := r.store.ListEvents(context.Background(), store.EventFilter{Agent: "forge"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventTaskCompleted, events[0].Type)
}

func TestBridgeIngest_Malformed(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp := postJSON(t, srv.URL+"/bridge", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/bridge", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBridgeIngest_DisconnectClearsRuns(t *testing.T) {
	r, srv := newTestRelay(t, nil)

	postJSON(t, srv.URL+"/bridge", startFrame)
	require.Equal(t, 1, r.reducer.Runs().Len())

	resp := postJSON(t, srv.URL+"/bridge", `{"type":"bridge","event":"disconnected","payload":{"node":"n1"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, r.reducer.Runs().Len())

	monitor, err := r.store.GetAgent(context.Background(), "sentinel")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, monitor.Status)
}

func TestBridgeStatus(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	postJSON(t, srv.URL+"/bridge", startFrame)

	resp, err := http.Get(srv.URL + "/bridge")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := decode[BridgeStatusResponse](t, resp)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ws://127.0.0.1:18789", body.Gateway)
	assert.Contains(t, body.Agents, "nova")
	assert.Equal(t, 1, body.ActiveRuns)
	assert.Empty(t, body.Bridge, "bridge disabled in tests")
}

func TestHeartbeatRoundTrip(t *testing.T) {
	_, srv := newTestRelay(t, nil)

	resp := postJSON(t, srv.URL+"/heartbeat", `{"name":"node-a","hostname":"host-a"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/heartbeat", `{"name":"node-b","hostname":"host-b","status":"offline"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/heartbeat", `{"hostname":"nameless"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/heartbeat")
	require.NoError(t, err)
	defer get.Body.Close()

	var view struct {
		Nodes []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"nodes"`
		Online  int `json:"online"`
		Offline int `json:"offline"`
	}
	require.NoError(t, json.NewDecoder(get.Body).Decode(&view))
	assert.Len(t, view.Nodes, 2)
	assert.Equal(t, 1, view.Online)
	assert.Equal(t, 1, view.Offline)
}

func TestDispatch(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		_, srv := newTestRelay(t, nil)
		resp := postJSON(t, srv.URL+"/dispatch", `{"agents":["forge"],"message":"build it"}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("bad request", func(t *testing.T) {
		_, srv := newTestRelay(t, nil)
		resp := postJSON(t, srv.URL+"/dispatch", `{"agents":[],"message":"x"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp = postJSON(t, srv.URL+"/dispatch", `{"agents":["forge"],"message":"  "}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("settled results", func(t *testing.T) {
		invoke := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer invoke.Close()

		_, srv := newTestRelay(t, func(cfg *config.Config) {
			cfg.Dispatch.InvokeURL = invoke.URL
		})
		resp := postJSON(t, srv.URL+"/dispatch", `{"agents":["forge","ghost"],"message":"build it"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[DispatchResponse](t, resp)
		require.Len(t, body.Results, 2)
		assert.Equal(t, "fulfilled", body.Results[0].Status)
		assert.Equal(t, "rejected", body.Results[1].Status)
	})
}

func TestAgentsAndEvents(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	postJSON(t, srv.URL+"/bridge", startFrame)

	resp, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	agents := decode[map[string][]store.AgentState](t, resp)
	require.Len(t, agents["agents"], 1)
	assert.Equal(t, "forge", agents["agents"][0].Name)

	resp2, err := http.Get(srv.URL + "/events?agent=forge&limit=5")
	require.NoError(t, err)
	defer resp2.Body.Close()
	events := decode[map[string][]store.Event](t, resp2)
	require.Len(t, events["events"], 1)
	assert.Equal(t, store.EventTaskStarted, events["events"][0].Type)

	resp3, err := http.Get(srv.URL + "/events?limit=zero")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	const secret = "test-secret-with-enough-entropy"
	_, srv := newTestRelay(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = secret
	})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/bridge", startFrame)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate("bridge-node", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/bridge", bytes.NewBufferString(startFrame))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestEventStream(t *testing.T) {
	r, srv := newTestRelay(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream?agent=forge", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return r.broadcaster.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	postJSON(t, srv.URL+"/bridge", startFrame)

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, store.EventTaskStarted, eventLine)

	var ev store.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, "forge", ev.Agent)
	assert.Equal(t, "r1", ev.RunID)
}

func TestInProcessForwardAndDisconnect(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	frame, err := protocol.Decode([]byte(startFrame))
	require.NoError(t, err)
	require.NoError(t, r.forward(context.Background(), reducer.Delivery{Frame: frame, Agent: "forge"}))
	assert.Equal(t, 1, r.reducer.Runs().Len())

	r.onBridgeDisconnect()
	assert.Equal(t, 0, r.reducer.Runs().Len())
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.Path = ":memory:"
	r, err := New(cfg, nil, Options{DisableBridge: true})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
