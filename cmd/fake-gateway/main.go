// ABOUTME: Minimal fake gateway for E2E testing: runs the connect handshake and replays scripted agent runs
// ABOUTME: Usage: fake-gateway [-addr localhost:18789] [-interval 5s] [-tick 15s]
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/roster"
)

func main() {
	addr := flag.String("addr", "localhost:18789", "listen address")
	interval := flag.Duration("interval", 5*time.Second, "delay between scripted runs")
	tick := flag.Duration("tick", 15*time.Second, "tick interval announced to clients")
	token := flag.String("token", "", "required connect token (empty accepts any)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	gw := &fakeGateway{interval: *interval, tick: *tick, token: *token, roster: roster.Default()}
	srv := &http.Server{Addr: *addr, Handler: gw, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Printf("fake gateway listening on ws://%s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

type fakeGateway struct {
	interval time.Duration
	tick     time.Duration
	token    string
	roster   *roster.Roster
	seq      atomic.Int64
}

type connectFrame struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params protocol.ConnectParams `json:"params"`
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("accept error: %v", err)
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	nonce := uuid.NewString()
	if err := send(ctx, conn, "connect.challenge", map[string]any{"nonce": nonce}); err != nil {
		return
	}

	var req connectFrame
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		log.Printf("read connect error: %v", err)
		return
	}
	if reason := g.check(req, nonce); reason != "" {
		log.Printf("rejecting %s: %s", req.Params.Client.ID, reason)
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "res", "id": req.ID, "ok": false, "error": map[string]any{"message": reason}})
		return
	}

	log.Printf("client %s connected (device=%v)", req.Params.Client.ID, req.Params.Device != nil)
	if err := wsjson.Write(ctx, conn, map[string]any{
		"type":    "res",
		"id":      req.ID,
		"ok":      true,
		"payload": map[string]any{"policy": map[string]any{"tickIntervalMs": g.tick.Milliseconds()}},
	}); err != nil {
		return
	}

	// reads keep pings answered and notice the client leaving
	ctx = conn.CloseRead(ctx)
	tickTicker := time.NewTicker(g.tick)
	defer tickTicker.Stop()
	runTicker := time.NewTicker(g.interval)
	defer runTicker.Stop()

	agents := g.roster.SubAgents()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			log.Printf("client %s disconnected", req.Params.Client.ID)
			return
		case <-tickTicker.C:
			if err := send(ctx, conn, "tick", map[string]any{"ts": time.Now().UnixMilli()}); err != nil {
				return
			}
		case <-runTicker.C:
			if len(agents) == 0 {
				continue
			}
			if err := g.replayRun(ctx, conn, agents[i%len(agents)]); err != nil {
				log.Printf("replay error: %v", err)
				return
			}
		}
	}
}

// check validates the connect request, returning a rejection reason or "".
func (g *fakeGateway) check(req connectFrame, nonce string) string {
	if req.Method != "connect" {
		return "expected connect"
	}
	token := ""
	if req.Params.Auth != nil {
		token = req.Params.Auth.Token
	}
	if g.token != "" && token != g.token {
		return "invalid token"
	}

	d := req.Params.Device
	if d == nil {
		return ""
	}
	if d.Nonce != nonce {
		return "nonce mismatch"
	}
	pub, err := base64.RawURLEncoding.DecodeString(d.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "bad public key"
	}
	if auth.DeviceIDFromPublicKey(pub) != d.ID {
		return "device id does not match key"
	}
	ok := auth.VerifySignature(pub, auth.SignatureInput{
		DeviceID:   d.ID,
		ClientID:   req.Params.Client.ID,
		ClientMode: req.Params.Client.Mode,
		Role:       req.Params.Role,
		Scopes:     req.Params.Scopes,
		SignedAt:   time.UnixMilli(d.SignedAt),
		Token:      token,
		Nonce:      d.Nonce,
	}, d.Signature)
	if !ok {
		return "bad signature"
	}
	return ""
}

// replayRun emits one complete run for agent: start, a tool call, assistant text, chat, end.
func (g *fakeGateway) replayRun(ctx context.Context, conn *websocket.Conn, agent roster.Agent) error {
	runID := uuid.NewString()
	sessionKey := fmt.Sprintf("agent:%s:main", agent.IDs[0])
	text := fmt.Sprintf("%s here, finished the scripted task.", agent.Name)

	steps := []map[string]any{
		{"stream": "lifecycle", "data": map[string]any{"phase": "start"}},
		{"stream": "tool", "data": map[string]any{"phase": "start", "name": "web_search", "toolCallId": "call-1"}},
		{"stream": "tool", "data": map[string]any{"phase": "result", "name": "web_search", "toolCallId": "call-1"}},
		{"stream": "assistant", "data": map[string]any{"text": text}},
	}
	for _, step := range steps {
		step["runId"] = runID
		step["sessionKey"] = sessionKey
		step["seq"] = g.seq.Add(1)
		if err := send(ctx, conn, "agent", step); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}

	chat := map[string]any{"runId": runID, "sessionKey": sessionKey, "state": "final", "message": map[string]any{"role": "assistant", "content": text}}
	if err := send(ctx, conn, "chat", chat); err != nil {
		return err
	}
	end := map[string]any{"runId": runID, "sessionKey": sessionKey, "seq": g.seq.Add(1), "stream": "lifecycle", "data": map[string]any{"phase": "end"}}
	return send(ctx, conn, "agent", end)
}

func send(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	return wsjson.Write(ctx, conn, map[string]any{"type": "event", "event": event, "payload": payload})
}
