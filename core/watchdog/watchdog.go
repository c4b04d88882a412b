// Package watchdog periodically sweeps active jobs whose workers have
// stopped sending heartbeats and marks them failed.
package watchdog

import (
	"context"
	"time"

	"github.com/taskbridge/taskbridge/core/infra/logging"
)

// Sweeper is the subset of the queue API the watchdog needs.
type Sweeper interface {
	FailStaleJobs(ctx context.Context, staleAfter time.Duration) ([]string, error)
}

// Watchdog runs a ticker-driven sweep of stale active jobs.
type Watchdog struct {
	queue      Sweeper
	staleAfter time.Duration
	interval   time.Duration
}

func New(queue Sweeper, staleAfter, interval time.Duration) *Watchdog {
	return &Watchdog{queue: queue, staleAfter: staleAfter, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	failed, err := w.queue.FailStaleJobs(ctx, w.staleAfter)
	if err != nil {
		logging.Error("watchdog", "sweep failed", "error", err)
		return
	}
	for _, jobID := range failed {
		logging.Info("watchdog", "marked stale job failed", "job_id", jobID)
	}
}
