// Package cleanup runs the periodic background work: driving session timers
// and sweeping idle sessions. The progression engines never poll a clock
// themselves; this worker is the single source of time advancement.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/terra-clan/mainframe-engine/internal/session"
)

// Worker drives session ticks and the idle sweep
type Worker struct {
	manager       session.Manager
	tickInterval  time.Duration
	sweepInterval time.Duration
	idleAfter     time.Duration
}

// NewWorker creates a background worker
func NewWorker(manager session.Manager, tickInterval, sweepInterval, idleAfter time.Duration) *Worker {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	return &Worker{
		manager:       manager,
		tickInterval:  tickInterval,
		sweepInterval: sweepInterval,
		idleAfter:     idleAfter,
	}
}

// Start begins the worker in a goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// run is the main loop for the worker
func (w *Worker) run(ctx context.Context) {
	slog.Info("tick worker started",
		"tick_interval", w.tickInterval,
		"sweep_interval", w.sweepInterval,
		"idle_after", w.idleAfter,
	)

	tick := time.NewTicker(w.tickInterval)
	defer tick.Stop()

	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("tick worker stopped")
			return
		case now := <-tick.C:
			w.manager.TickAll(ctx, now)
		case now := <-sweep.C:
			slog.Debug("running idle sweep")
			w.manager.SweepIdle(ctx, now, w.idleAfter)
		}
	}
}
