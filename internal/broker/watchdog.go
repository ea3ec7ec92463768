package broker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Watchdog marks the broker disconnected when no event arrives within the timeout
type Watchdog struct {
	state   *ConnState
	timeout time.Duration
	logger  *zap.Logger

	last atomic.Int64 // unix nanos
}

// NewWatchdog creates a watchdog. A zero timeout disables it.
func NewWatchdog(state *ConnState, timeout time.Duration, logger *zap.Logger) *Watchdog {
	w := &Watchdog{
		state:   state,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "watchdog")),
	}
	w.Touch()
	return w
}

// Touch records broker activity. Safe on a nil watchdog.
func (w *Watchdog) Touch() {
	if w == nil {
		return
	}
	w.last.Store(time.Now().UnixNano())
}

// Run checks for silence until ctx is done
func (w *Watchdog) Run(ctx context.Context) error {
	if w.timeout <= 0 {
		return nil
	}

	ticker := time.NewTicker(w.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	if !w.state.Connected() {
		// activity is expected to resume with the next connect
		w.Touch()
		return
	}

	silence := time.Since(time.Unix(0, w.last.Load()))
	if silence < w.timeout {
		return
	}

	w.logger.Warn("no broker events within timeout, forcing reconnect",
		zap.Duration("silence", silence),
		zap.Duration("timeout", w.timeout),
	)
	w.state.Set(false)
	w.Touch()
}
