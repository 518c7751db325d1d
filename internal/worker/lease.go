package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/job"
)

// holdLease renews the run's lease every RenewInterval until stop is closed.
// Losing the lease, or MaxRenewFailures failed renewals in a row, cancels the
// run context with a cause wrapping job.ErrLeaseLost.
func (w *Worker) holdLease(ctx context.Context, run *job.Run, abort context.CancelCauseFunc, stop <-chan struct{}) {
	interval := w.cfg.RenewInterval
	if interval <= 0 {
		interval = w.cfg.Lease / 3
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.renew(ctx, run)
			if err == nil {
				failures = 0
				continue
			}
			if errors.Is(err, job.ErrLeaseLost) {
				abort(err)
				return
			}
			failures++
			w.metrics.RenewFailures.Inc()
			w.logger.Warn("lease renewal failed",
				zap.String("run_id", run.ID.String()),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if w.cfg.MaxRenewFailures > 0 && failures >= w.cfg.MaxRenewFailures {
				abort(fmt.Errorf("%w: %d consecutive renewal failures", job.ErrLeaseLost, failures))
				return
			}
		}
	}
}

func (w *Worker) renew(ctx context.Context, run *job.Run) error {
	now := w.clock.Now()
	return w.jobs.RenewLease(ctx, run.ID, w.cfg.WorkerID, now.Add(w.cfg.Lease), now)
}
