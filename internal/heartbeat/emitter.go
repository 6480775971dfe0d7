// ABOUTME: Heartbeat client that reports this node's liveness to the relay API
// ABOUTME: Posts {name, hostname, status} to /heartbeat; failures are returned, never retried

package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// Report is the heartbeat request body.
type Report struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Status   string `json:"status,omitempty"`
}

// Emitter posts heartbeats for one node.
type Emitter struct {
	baseURL  string
	token    string
	name     string
	hostname string
	client   *http.Client
}

// NewEmitter creates an emitter for node name reporting to baseURL.
func NewEmitter(baseURL, token, name string) *Emitter {
	host, err := os.Hostname()
	if err != nil {
		host = name
	}
	return &Emitter{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		name:     name,
		hostname: host,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Beat reports the node as online or offline.
func (e *Emitter) Beat(ctx context.Context, online bool) error {
	status := store.NodeOffline
	if online {
		status = store.NodeOnline
	}
	body, err := json.Marshal(Report{Name: e.name, Hostname: e.hostname, Status: status})
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("heartbeat returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
