package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultJanitorInterval = time.Minute

// LogPruner deletes expired log records, a bounded batch per call.
type LogPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// LockReclaimer returns running jobs with expired locks to the queue.
type LockReclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

// Janitor does the periodic housekeeping that only the leader runs.
type Janitor struct {
	logs     LogPruner
	jobs     LockReclaimer
	interval time.Duration
	logger   *slog.Logger
}

func NewJanitor(logs LogPruner, jobs LockReclaimer, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{logs: logs, jobs: jobs, interval: interval, logger: slog.Default()}
}

// RunOnce prunes one batch of expired logs and reclaims expired job locks.
func (j *Janitor) RunOnce(ctx context.Context) (pruned int64, reclaimed int, err error) {
	pruned, perr := j.logs.PruneExpired(ctx)
	reclaimed, rerr := j.jobs.ReclaimExpired(ctx)
	if pruned > 0 || reclaimed > 0 {
		j.logger.Info("janitor pass", "pruned_logs", pruned, "reclaimed_jobs", reclaimed)
	}
	return pruned, reclaimed, errors.Join(perr, rerr)
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("janitor pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Duties returns the leader-only background work: the worker loop and the
// janitor, both stopped when the returned function's ctx ends.
func Duties(w *Worker, j *Janitor) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
		g.Go(func() error {
			j.Run(ctx)
			return nil
		})
		return g.Wait()
	}
}
