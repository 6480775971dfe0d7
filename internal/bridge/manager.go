// ABOUTME: Gateway bridge connection manager: dial, challenge handshake, liveness and reconnect
// ABOUTME: Every non-management frame is attributed to an agent and handed to a Forwarder

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/identity"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/reducer"
)

var (
	// ErrAuthRejected is returned when the gateway answers connect with ok:false.
	ErrAuthRejected = errors.New("gateway rejected connect")
	// ErrTickStale is returned when the gateway stops sending ticks.
	ErrTickStale = errors.New("gateway tick timeout")
	// ErrNoURL is returned by Run when no gateway URL is configured.
	ErrNoURL = errors.New("gateway url is required")
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	flushTimeout  = 5 * time.Second
	beatTimeout   = 10 * time.Second
	readLimit     = 4 << 20
	minStaleAfter = time.Second
)

// StaleAfter is how long the bridge waits without a tick before dropping the connection.
func StaleAfter(tick time.Duration) time.Duration {
	return max(2*tick, minStaleAfter)
}

// Beater reports this node's liveness.
type Beater interface {
	Beat(ctx context.Context, online bool) error
}

// Config controls one Manager.
type Config struct {
	URL             string
	Token           string
	DeviceTokenPath string
	ClientID        string
	ClientMode      string
	Role            string
	Scopes          []string
	MinProtocol     int
	MaxProtocol     int
	Version         string
	Node            string

	PingInterval      time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// ConfigFrom builds a manager Config from the relay configuration.
func ConfigFrom(cfg *config.Config, version string) Config {
	g := cfg.Gateway
	return Config{
		URL:               g.URL,
		Token:             g.Token,
		DeviceTokenPath:   g.DeviceTokenPath,
		ClientID:          g.ClientID,
		ClientMode:        g.ClientMode,
		Role:              g.Role,
		Scopes:            g.Scopes,
		MinProtocol:       g.MinProtocol,
		MaxProtocol:       g.MaxProtocol,
		Version:           version,
		Node:              cfg.Bridge.NodeName,
		PingInterval:      g.PingInterval,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		BackoffBase:       g.BackoffBase,
		BackoffCap:        g.BackoffCap,
	}
}

// Deps are the Manager's collaborators. Forwarder is required.
type Deps struct {
	// Device signs the challenge nonce. Nil connects with the token alone.
	Device    *auth.DeviceIdentity
	Resolver  *identity.Resolver
	Forwarder Forwarder
	Heartbeat Beater
	// OnDisconnect runs after every closed session, before the reconnect delay.
	OnDisconnect func()
	Logger       *slog.Logger
	Now          func() time.Time
}

// Manager keeps one gateway connection alive.
type Manager struct {
	cfg          Config
	device       *auth.DeviceIdentity
	resolver     *identity.Resolver
	forwarder    Forwarder
	heartbeat    Beater
	onDisconnect func()
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    State
	attempt  int
	connects int
	current  *session
}

// session is the per-connection state, discarded on close.
type session struct {
	conn *websocket.Conn

	// connectID and tickInterval are only touched by the read loop.
	connectID    string
	tickInterval time.Duration

	mu         sync.Mutex
	nonce      string
	lastTickAt time.Time
	alive      bool
	fault      error
}

func (s *session) touch(at time.Time) {
	s.mu.Lock()
	s.lastTickAt = at
	s.mu.Unlock()
}

func (s *session) sinceTick(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastTickAt)
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.mu.Unlock()
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps Deps) *Manager {
	m := &Manager{
		cfg:          cfg,
		device:       deps.Device,
		resolver:     deps.Resolver,
		forwarder:    deps.Forwarder,
		heartbeat:    deps.Heartbeat,
		onDisconnect: deps.OnDisconnect,
		logger:       deps.Logger,
		now:          deps.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "bridge")
	if m.now == nil {
		m.now = time.Now
	}
	if m.cfg.BackoffBase <= 0 {
		m.cfg.BackoffBase = time.Second
	}
	if m.cfg.BackoffCap < m.cfg.BackoffBase {
		m.cfg.BackoffCap = m.cfg.BackoffBase
	}
	return m
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt reports consecutive failures since the last successful dial.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connects reports how many sessions completed the handshake.
func (m *Manager) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s
}

// Run connects and reconnects until ctx is cancelled. It emits an offline
// heartbeat before returning.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.URL == "" {
		return ErrNoURL
	}
	if m.forwarder == nil {
		return errors.New("bridge forwarder is required")
	}
	m.logger.Info("starting gateway bridge", "url", m.cfg.URL, "node", m.cfg.Node)

	for {
		err := m.runSession(ctx)
		if ctx.Err() != nil {
			break
		}

		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		delay := Backoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
		m.logger.Warn("gateway connection lost", "error", err, "attempt", attempt, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.setState(StateDisconnected)
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	m.beat(flushCtx, false)
	m.logger.Info("gateway bridge stopped")
	return nil
}

func (m *Manager) runSession(ctx context.Context) error {
	m.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, nil)
	cancel()
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dialing gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sess := &session{conn: conn}
	m.mu.Lock()
	m.current = sess
	m.attempt = 0
	m.state = StateAwaitingChallenge
	m.mu.Unlock()
	m.logger.Info("connected to gateway, awaiting challenge", "url", m.cfg.URL)

	sctx, scancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if m.cfg.PingInterval > 0 {
		wg.Go(func() { m.pingLoop(sctx, sess) })
	}
	if m.heartbeat != nil && m.cfg.HeartbeatInterval > 0 {
		wg.Go(func() { m.heartbeatLoop(sctx) })
	}

	err = m.readLoop(sctx, sess, &wg)
	if fault := sess.err(); fault != nil {
		err = fault
	}
	scancel()
	wg.Wait()

	if ctx.Err() != nil {
		m.setState(StateClosing)
		_ = conn.Close(websocket.StatusNormalClosure, "bridge shutting down")
	} else {
		m.setState(StateFaulted)
		_ = conn.CloseNow()
	}

	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	flushCtx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	m.beat(flushCtx, false)
	m.forward(flushCtx, protocol.NewBridgeStatusFrame(false, m.cfg.Node), "")
	fcancel()
	if m.onDisconnect != nil {
		m.onDisconnect()
	}

	m.setState(StateDisconnected)
	return err
}

func (m *Manager) readLoop(ctx context.Context, sess *session, wg *sync.WaitGroup) error {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.ChallengeFrame:
			if m.State() != StateAwaitingChallenge {
				m.logger.Debug("ignoring repeated challenge")
				continue
			}
			if f.Nonce == "" {
				m.logger.Warn("challenge without nonce")
				continue
			}
			if err := m.authenticate(ctx, sess, f.Nonce); err != nil {
				return err
			}

		case *protocol.ResponseFrame:
			// connectID is cleared once answered, so repeats and unsolicited
			// responses fall through here.
			if sess.connectID == "" || f.ID != sess.connectID {
				continue
			}
			sess.connectID = ""
			if !f.OK {
				m.logger.Error("gateway rejected connect", "error", f.ErrorMessage)
				return fmt.Errorf("%w: %s", ErrAuthRejected, f.ErrorMessage)
			}
			m.connected(ctx, sess, f, wg)

		case *protocol.TickFrame:
			sess.touch(m.now())

		case *protocol.SystemFrame:

		default:
			m.deliver(ctx, frame)
		}
	}
}

func (m *Manager) authenticate(ctx context.Context, sess *session, nonce string) error {
	token := m.authToken()
	params := protocol.ConnectParams{
		MinProtocol: m.cfg.MinProtocol,
		MaxProtocol: m.cfg.MaxProtocol,
		Client: protocol.ClientInfo{
			ID:          m.cfg.ClientID,
			DisplayName: m.cfg.Node,
			Version:     m.cfg.Version,
			Platform:    runtime.GOOS,
			Mode:        m.cfg.ClientMode,
		},
		Role:   m.cfg.Role,
		Scopes: m.cfg.Scopes,
	}
	if token != "" {
		params.Auth = &protocol.ConnectAuth{Token: token}
	}
	if m.device != nil {
		signedAt := m.now()
		sig := m.device.Sign(auth.SignatureInput{
			DeviceID:   m.device.ID,
			ClientID:   m.cfg.ClientID,
			ClientMode: m.cfg.ClientMode,
			Role:       m.cfg.Role,
			Scopes:     m.cfg.Scopes,
			SignedAt:   signedAt,
			Token:      token,
			Nonce:      nonce,
		})
		params.Device = &protocol.DeviceProof{
			ID:        m.device.ID,
			PublicKey: m.device.PublicKeyRaw(),
			Signature: sig,
			SignedAt:  signedAt.UnixMilli(),
			Nonce:     nonce,
		}
	}

	sess.mu.Lock()
	sess.nonce = nonce
	sess.mu.Unlock()
	sess.connectID = uuid.NewString()
	m.setState(StateAuthenticating)

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, sess.conn, protocol.NewConnectRequest(sess.connectID, params)); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}
	m.logger.Debug("sent connect request", "id", sess.connectID, "device", m.device != nil)
	return nil
}

// authToken prefers the persisted device token over the static gateway token.
func (m *Manager) authToken() string {
	if m.cfg.DeviceTokenPath != "" {
		token, err := auth.LoadDeviceToken(m.cfg.DeviceTokenPath)
		if err != nil {
			m.logger.Warn("failed to read device token", "path", m.cfg.DeviceTokenPath, "error", err)
		} else if token != "" {
			return token
		}
	}
	return m.cfg.Token
}

func (m *Manager) connected(ctx context.Context, sess *session, res *protocol.ResponseFrame, wg *sync.WaitGroup) {
	now := m.now()
	sess.mu.Lock()
	sess.alive = true
	sess.lastTickAt = now
	sess.mu.Unlock()

	m.mu.Lock()
	m.state = StateConnected
	m.connects++
	m.mu.Unlock()

	if res.DeviceToken != "" && m.cfg.DeviceTokenPath != "" {
		if err := auth.SaveDeviceToken(m.cfg.DeviceTokenPath, res.DeviceToken); err != nil {
			m.logger.Warn("failed to save device token", "path", m.cfg.DeviceTokenPath, "error", err)
		} else {
			m.logger.Info("saved device token", "path", m.cfg.DeviceTokenPath)
		}
	}

	m.logger.Info("gateway handshake complete", "tick_interval", res.TickInterval)
	if res.TickInterval > 0 {
		sess.tickInterval = res.TickInterval
		wg.Go(func() { m.tickWatch(ctx, sess) })
	}

	m.forward(ctx, protocol.NewBridgeStatusFrame(true, m.cfg.Node), "")
}

func (m *Manager) deliver(ctx context.Context, frame protocol.Frame) {
	agent := ""
	if m.resolver != nil {
		if name, ok := m.resolver.Resolve(frame.Envelope()); ok {
			agent = name
		}
	}
	m.forward(ctx, frame, agent)
}

func (m *Manager) forward(ctx context.Context, frame protocol.Frame, agent string) {
	d := reducer.Delivery{Frame: frame, Agent: agent, ReceivedAt: m.now()}
	if err := m.forwarder.Forward(ctx, d); err != nil {
		m.logger.Warn("failed to forward frame", "family", frame.Envelope().Family(), "agent", agent, "error", err)
	}
}

func (m *Manager) beat(ctx context.Context, online bool) {
	if m.heartbeat == nil {
		return
	}
	bctx, cancel := context.WithTimeout(ctx, beatTimeout)
	defer cancel()
	if err := m.heartbeat.Beat(bctx, online); err != nil {
		m.logger.Debug("heartbeat failed", "online", online, "error", err)
	}
}

func (m *Manager) pingLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.cfg.PingInterval)
			err := sess.conn.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil || !m.isCurrent(sess) {
				return
			}
			m.logger.Warn("gateway ping failed", "error", err)
			sess.fail(fmt.Errorf("ping: %w", err))
			_ = sess.conn.CloseNow()
			return
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	m.beat(ctx, true)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx, true)
		}
	}
}

func (m *Manager) tickWatch(ctx context.Context, sess *session) {
	staleAfter := StaleAfter(sess.tickInterval)
	ticker := time.NewTicker(staleAfter / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since := sess.sinceTick(m.now())
			if since <= staleAfter {
				continue
			}
			if !m.isCurrent(sess) {
				return
			}
			m.logger.Warn("no tick from gateway, dropping connection", "since", since, "stale_after", staleAfter)
			sess.fail(ErrTickStale)
			_ = sess.conn.CloseNow()
			return
		}
	}
}
