// ABOUTME: HTTP API handlers: frame ingest, heartbeats, dispatch, live feed and health
// ABOUTME: Mutating and streaming routes require a bearer JWT when auth.jwt_secret is set

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/reducer"
	"github.com/2389/coven-relay/internal/store"
)

const (
	maxBodyBytes      = 4 << 20
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// BridgeResponse is the JSON response for POST /bridge.
type BridgeResponse struct {
	OK        bool              `json:"ok"`
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped,omitempty"`
	Result    *reducer.Outcome  `json:"result,omitempty"`
	Results   []reducer.Outcome `json:"results,omitempty"`
}

// BridgeStatusResponse is the JSON response for GET /bridge.
type BridgeStatusResponse struct {
	Status     string    `json:"status"`
	Gateway    string    `json:"gateway"`
	Bridge     string    `json:"bridge,omitempty"`
	Agents     []string  `json:"agents"`
	ActiveRuns int       `json:"activeRuns"`
	Timestamp  time.Time `json:"timestamp"`
}

// DispatchRequest is the JSON request body for POST /dispatch.
type DispatchRequest struct {
	Agents  []string `json:"agents"`
	Message string   `json:"message"`
}

// DispatchResponse is the JSON response for POST /dispatch.
type DispatchResponse struct {
	OK      bool              `json:"ok"`
	Results []dispatch.Result `json:"results"`
}

// routes builds the API mux. Health stays open; everything else goes through
// the bearer middleware when a verifier is configured.
func (r *Relay) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", r.handleHealth)

	protect := func(h http.HandlerFunc) http.Handler {
		if r.verifier == nil {
			return h
		}
		return auth.BearerMiddleware(r.verifier)(h)
	}

	mux.Handle("POST /bridge", protect(r.handleBridgeIngest))
	mux.Handle("GET /bridge", protect(r.handleBridgeStatus))
	mux.Handle("POST /heartbeat", protect(r.handleHeartbeat))
	mux.Handle("GET /heartbeat", protect(r.handleHeartbeatView))
	mux.Handle("POST /dispatch", protect(r.handleDispatch))
	mux.Handle("GET /agents", protect(r.handleListAgents))
	mux.Handle("GET /events", protect(r.handleListEvents))
	mux.Handle("GET /events/stream", protect(r.handleEventStream))

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleBridgeIngest accepts one frame or {"events":[...]} from a remote bridge.
func (r *Relay) handleBridgeIngest(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	frames, errs, batch, err := protocol.DecodeBatch(body)
	if err != nil {
		r.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, e := range errs {
		r.logger.Debug("skipping malformed frame in batch", "error", e)
	}

	resp := BridgeResponse{OK: true, Skipped: len(errs)}
	now := time.Now()
	for _, f := range frames {
		agent, _ := r.resolver.Resolve(f.Envelope())
		out := r.ingest(req.Context(), reducer.Delivery{Frame: f, Agent: agent, ReceivedAt: now})
		if status, ok := f.(*protocol.BridgeStatusFrame); ok && !status.Connected {
			r.onBridgeDisconnect()
		}
		resp.Processed++
		if batch {
			resp.Results = append(resp.Results, out)
		} else {
			resp.Result = &out
		}
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Relay) handleBridgeStatus(w http.ResponseWriter, _ *http.Request) {
	resp := BridgeStatusResponse{
		Status:     "ready",
		Gateway:    r.config.Gateway.URL,
		Agents:     r.roster.Names(),
		ActiveRuns: r.reducer.Runs().Len(),
		Timestamp:  time.Now().UTC(),
	}
	if r.bridge != nil {
		resp.Bridge = r.bridge.State().String()
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Relay) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	var report heartbeat.Report
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&report); err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	node, err := r.heartbeats.Record(req.Context(), report)
	if errors.Is(err, heartbeat.ErrInvalidReport) {
		r.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		r.logger.Error("failed to record heartbeat", "node", report.Name, "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "node": node})
}

func (r *Relay) handleHeartbeatView(w http.ResponseWriter, req *http.Request) {
	view, err := r.heartbeats.Snapshot(req.Context())
	if err != nil {
		r.logger.Error("failed to list nodes", "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	r.writeJSON(w, http.StatusOK, view)
}

func (r *Relay) handleDispatch(w http.ResponseWriter, req *http.Request) {
	var body DispatchRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&body); err != nil {
		r.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	results, err := r.dispatcher.Dispatch(req.Context(), body.Agents, body.Message)
	switch {
	case errors.Is(err, dispatch.ErrNoAgents), errors.Is(err, dispatch.ErrEmptyMessage):
		r.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrNotConfigured):
		r.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		r.logger.Error("dispatch failed", "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	r.writeJSON(w, http.StatusOK, DispatchResponse{OK: true, Results: results})
}

func (r *Relay) handleListAgents(w http.ResponseWriter, req *http.Request) {
	agents, err := r.store.ListAgents(req.Context())
	if err != nil {
		r.logger.Error("failed to list agents", "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if agents == nil {
		agents = []*store.AgentState{}
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// handleListEvents returns recent events, newest first.
// Query: ?agent=X&type=Y&limit=N
func (r *Relay) handleListEvents(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			r.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := r.store.ListEvents(req.Context(), store.EventFilter{
		Agent: q.Get("agent"),
		Type:  q.Get("type"),
		Limit: limit,
	})
	if err != nil {
		r.logger.Error("failed to list events", "error", err)
		r.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleEventStream pushes appended events as SSE until the client goes away.
func (r *Relay) handleEventStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		r.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := req.Context()
	events, _ := r.broadcaster.Subscribe(ctx, req.URL.Query().Get("agent"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.writeSSEEvent(w, event.Type, event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (r *Relay) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		r.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (r *Relay) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (r *Relay) sendJSONError(w http.ResponseWriter, status int, message string) {
	r.writeJSON(w, status, map[string]string{"error": message})
}
