// ABOUTME: Stuck-run watchdog that periodically sweeps the reducer's tracked runs
// ABOUTME: Owned by the composition root; one Run loop per watchdog, stopped by its context

package reducer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrWatchdogRunning is returned when Run is called on a watchdog that is already running.
var ErrWatchdogRunning = errors.New("watchdog already running")

// Watchdog calls Reducer.Sweep on a fixed interval.
type Watchdog struct {
	reducer  *Reducer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	running  atomic.Bool
}

// NewWatchdog creates a watchdog for r.
func NewWatchdog(r *Reducer, interval time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		reducer:  r,
		interval: interval,
		logger:   logger.With("component", "watchdog"),
		now:      r.now,
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWatchdogRunning
	}
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Debug("watchdog started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("watchdog stopped")
			return nil
		case <-ticker.C:
			if n := w.reducer.Sweep(ctx, w.now()); n > 0 {
				w.logger.Info("recovered stuck runs", "count", n)
			}
		}
	}
}
