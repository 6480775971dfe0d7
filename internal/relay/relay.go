// ABOUTME: Relay composition root wiring store, reducer, watchdog, bridge and HTTP API
// ABOUTME: Owns every long-lived goroutine and shuts them down in order

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/broadcast"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/identity"
	"github.com/2389/coven-relay/internal/reducer"
	"github.com/2389/coven-relay/internal/roster"
	"github.com/2389/coven-relay/internal/store"
)

const (
	frameDedupeTTL  = 5 * time.Minute
	frameDedupeSize = 100_000
	shutdownTimeout = 5 * time.Second
)

// Options tune how a Relay is assembled.
type Options struct {
	// Version is reported to the gateway in the connect request.
	Version string
	// DisableBridge serves the API without dialing the gateway. Frames then
	// arrive only through POST /bridge.
	DisableBridge bool
	// Store overrides the SQLite store opened from config.
	Store store.Store
}

// Relay is the running coven-relay server.
type Relay struct {
	config      *config.Config
	store       store.Store
	roster      *roster.Roster
	resolver    *identity.Resolver
	reducer     *reducer.Reducer
	watchdog    *reducer.Watchdog
	broadcaster *broadcast.Broadcaster
	heartbeats  *heartbeat.Service
	dispatcher  *dispatch.Dispatcher
	dedupe      *dedupe.Cache
	bridge      *bridge.Manager
	verifier    auth.TokenVerifier
	httpServer  *http.Server
	logger      *slog.Logger

	startedAt time.Time
}

// New assembles a Relay from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := opts.Store
	if s == nil {
		sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		s = sqlStore
	}

	ros := cfg.BuildRoster()
	broadcaster := broadcast.New(logger)

	red := reducer.New(reducer.Config{
		StuckTimeout:  cfg.Runs.StuckTimeout,
		EndGrace:      cfg.Runs.EndGrace,
		RecoveryGrace: cfg.Runs.RecoveryGrace,
	}, reducer.Deps{
		Store:     s,
		Roster:    ros,
		Publisher: broadcaster,
		Logger:    logger,
	})

	r := &Relay{
		config:      cfg,
		store:       s,
		roster:      ros,
		resolver:    identity.NewResolver(ros),
		reducer:     red,
		watchdog:    reducer.NewWatchdog(red, cfg.Runs.SweepInterval, logger),
		broadcaster: broadcaster,
		heartbeats:  heartbeat.NewService(s, cfg.Heartbeat.OfflineAfter),
		dispatcher: dispatch.New(dispatch.Config{
			InvokeURL:    cfg.Dispatch.InvokeURL,
			Token:        cfg.Gateway.Token,
			Timeout:      cfg.Dispatch.Timeout,
			ReplyChannel: cfg.Dispatch.ReplyChannel,
			ReplyTo:      cfg.Dispatch.ReplyTo,
		}, ros, logger),
		dedupe:    dedupe.New(frameDedupeTTL, frameDedupeSize, time.Minute),
		logger:    logger.With("component", "relay"),
		startedAt: time.Now(),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		r.verifier = verifier
	}

	if !opts.DisableBridge {
		mgr, err := NewBridgeManager(cfg, opts.Version, r.resolver, bridge.ForwarderFunc(r.forward), r.onBridgeDisconnect, logger)
		if err != nil {
			return nil, err
		}
		r.bridge = mgr
	}

	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r, nil
}

// NewBridgeManager builds a bridge Manager from config, loading or creating the
// device key and pointing heartbeats at the configured relay.
func NewBridgeManager(cfg *config.Config, version string, resolver *identity.Resolver, fwd bridge.Forwarder, onDisconnect func(), logger *slog.Logger) (*bridge.Manager, error) {
	device, err := loadDevice(cfg.Gateway.DeviceKeyPath, logger)
	if err != nil {
		return nil, err
	}
	beater := heartbeat.NewEmitter(cfg.Bridge.HeartbeatURL, cfg.Bridge.APIToken, cfg.Bridge.NodeName)
	return bridge.NewManager(bridge.ConfigFrom(cfg, version), bridge.Deps{
		Device:       device,
		Resolver:     resolver,
		Forwarder:    fwd,
		Heartbeat:    beater,
		OnDisconnect: onDisconnect,
		Logger:       logger,
	}), nil
}

// loadDevice reads the device key, generating one on first use. An empty path
// disables device signing.
func loadDevice(path string, logger *slog.Logger) (*auth.DeviceIdentity, error) {
	if path == "" {
		return nil, nil
	}
	device, err := auth.LoadDeviceIdentity(path)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	device, err = auth.GenerateDeviceIdentity(path)
	if err != nil {
		return nil, err
	}
	logger.Info("generated device key", "path", path, "device_id", device.ID)
	return device, nil
}

// forward is the in-process bridge Forwarder.
func (r *Relay) forward(ctx context.Context, d reducer.Delivery) error {
	r.ingest(ctx, d)
	return nil
}

// ingest runs a delivery through replay suppression and the reducer.
func (r *Relay) ingest(ctx context.Context, d reducer.Delivery) reducer.Outcome {
	if key := dedupe.FrameKey(d.Frame); key != "" && r.dedupe.CheckAndMark(key) {
		r.logger.Debug("duplicate frame ignored", "key", key)
		return reducer.Outcome{Kind: "duplicate", Agent: d.Agent, Duplicate: true}
	}
	return r.reducer.Handle(ctx, d)
}

func (r *Relay) onBridgeDisconnect() {
	if n := r.reducer.ResetRuns(); n > 0 {
		r.logger.Info("cleared runs after gateway disconnect", "runs", n)
	}
}

// Handler exposes the HTTP API, mainly for tests.
func (r *Relay) Handler() http.Handler {
	return r.httpServer.Handler
}

// Run serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return r.Serve(ctx, ln)
}

// Serve runs the API on ln alongside the watchdog and, if enabled, the bridge.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Go(func() {
		if err := r.watchdog.Run(runCtx); err != nil {
			r.logger.Error("watchdog stopped", "error", err)
		}
	})
	if r.bridge != nil {
		wg.Go(func() {
			if err := r.bridge.Run(runCtx); err != nil {
				r.logger.Error("bridge stopped", "error", err)
			}
		})
	}
	go func() {
		r.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		r.logger.Error("server error", "error", serverErr)
	}

	cancel()
	wg.Wait()

	shutdownCtx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := r.Shutdown(shutdownCtx); err != nil && serverErr == nil {
		return err
	}
	return serverErr
}

// Shutdown stops the HTTP server and releases resources.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	var errs []error
	if err := r.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	r.broadcaster.Close()
	r.dedupe.Close()
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
