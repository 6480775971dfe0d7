// ABOUTME: Forwarders hand decoded gateway frames to the event reducer
// ABOUTME: In-process via ForwarderFunc, or over HTTP to a relay's POST /bridge

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/reducer"
)

// ErrNoPayload is returned when a delivery has no raw frame to send.
var ErrNoPayload = errors.New("delivery has no raw frame")

// Forwarder receives every frame the bridge does not consume itself.
type Forwarder interface {
	Forward(ctx context.Context, d reducer.Delivery) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, d reducer.Delivery) error

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, d reducer.Delivery) error {
	return f(ctx, d)
}

// HTTPForwarder posts raw frames to a relay. The relay re-resolves the agent,
// so only the frame bytes travel.
type HTTPForwarder struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPForwarder creates a forwarder for the relay at baseURL.
func NewHTTPForwarder(baseURL, token string) *HTTPForwarder {
	return &HTTPForwarder{
		url:    strings.TrimSuffix(baseURL, "/") + "/bridge",
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Forward posts the delivery's raw frame.
func (h *HTTPForwarder) Forward(ctx context.Context, d reducer.Delivery) error {
	if d.Frame == nil || d.Frame.Envelope() == nil || len(d.Frame.Envelope().Raw) == 0 {
		return ErrNoPayload
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(d.Frame.Envelope().Raw))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
