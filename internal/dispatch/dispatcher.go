// ABOUTME: Fan-out of a message to one or more agents through the agent invocation endpoint
// ABOUTME: Every agent gets its own bounded request; results are settled, never all-or-nothing

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/roster"
)

// Settled result states.
const (
	Fulfilled = "fulfilled"
	Rejected  = "rejected"
)

// Request errors
var (
	ErrNoAgents      = errors.New("at least one agent is required")
	ErrEmptyMessage  = errors.New("message is required")
	ErrNotConfigured = errors.New("dispatch.invoke_url is not configured")
)

// maxParallel bounds concurrent invocations for large team dispatches.
const maxParallel = 8

// Result is the settled outcome for one agent.
type Result struct {
	Agent  string          `json:"agent"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Config describes the invocation endpoint.
type Config struct {
	InvokeURL    string
	Token        string
	Timeout      time.Duration
	ReplyChannel string
	ReplyTo      string
}

type invokeRequest struct {
	AgentID        string `json:"agentId"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	Channel        string `json:"channel,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Dispatcher sends messages to agents.
type Dispatcher struct {
	cfg    Config
	roster *roster.Roster
	client *http.Client
	logger *slog.Logger
}

// New creates a Dispatcher. Agent names are canonicalized through r.
func New(cfg Config, r *roster.Roster, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		roster: r,
		client: &http.Client{},
		logger: logger.With("component", "dispatch"),
	}
}

// Dispatch invokes every agent concurrently. The returned slice is in the
// order of agents; a failure for one agent never cancels the others.
func (d *Dispatcher) Dispatch(ctx context.Context, agents []string, message string) ([]Result, error) {
	if len(agents) == 0 {
		return nil, ErrNoAgents
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	if d.cfg.InvokeURL == "" {
		return nil, ErrNotConfigured
	}

	results := make([]Result, len(agents))
	var g errgroup.Group
	g.SetLimit(maxParallel)

	for i, name := range agents {
		g.Go(func() error {
			results[i] = d.invoke(ctx, name, message)
			return nil
		})
	}
	_ = g.Wait()

	fulfilled := 0
	for _, r := range results {
		if r.Status == Fulfilled {
			fulfilled++
		}
	}
	d.logger.Info("dispatched message", "agents", len(agents), "fulfilled", fulfilled)
	return results, nil
}

func (d *Dispatcher) invoke(ctx context.Context, name, message string) Result {
	agent, ok := d.roster.Canonical(name)
	if !ok {
		return Result{Agent: name, Status: Rejected, Reason: "unknown agent"}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(invokeRequest{
		AgentID:        agent,
		Message:        message,
		Deliver:        true,
		Channel:        d.cfg.ReplyChannel,
		ReplyTo:        d.cfg.ReplyTo,
		IdempotencyKey: uuid.New().String(),
	})
	if err != nil {
		return rejected(agent, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.InvokeURL, bytes.NewReader(body))
	if err != nil {
		return rejected(agent, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return rejected(agent, fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rejected(agent, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		return rejected(agent, fmt.Errorf("invoke returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	res := Result{Agent: agent, Status: Fulfilled}
	if json.Valid(data) {
		res.Value = data
	}
	return res
}

func rejected(agent string, err error) Result {
	return Result{Agent: agent, Status: Rejected, Reason: err.Error()}
}
