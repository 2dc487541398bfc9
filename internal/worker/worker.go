// Package worker runs background jobs: it claims jobs from the queue,
// dispatches them to a handler by job type and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifelog-app/lifelog/internal/jobs"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBackoffBase  = 2 * time.Second
	maxBackoff          = time.Hour
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	Claim(ctx context.Context) (*schema.Job, error)
	CompleteJob(ctx context.Context, id string, attempt int, result any) (schema.Job, error)
	FailJob(ctx context.Context, id string, attempt int, errMsg string, opts ...jobs.FailOption) (schema.Job, error)
	DeferJob(ctx context.Context, id string, attempt int, t time.Time) (schema.Job, error)
}

// DeferError asks the worker to put the job back until After has passed
// without counting the attempt.
type DeferError struct {
	After time.Duration
	Err   error
}

func (e *DeferError) Error() string { return e.Err.Error() }
func (e *DeferError) Unwrap() error { return e.Err }

// Defer wraps err so the job is retried after d without spending an attempt.
func Defer(d time.Duration, err error) error {
	return &DeferError{After: d, Err: err}
}

// Handler executes one claimed job. span is the job's open run span; handlers
// may open child spans under it. The returned result is stored on the job.
type Handler func(ctx context.Context, job schema.Job, span *logger.Span) (any, error)

var workerSource = &schema.Source{App: "lifelog", Module: "worker"}

// Worker processes jobs from the queue, one at a time.
type Worker struct {
	store    JobStore
	logs     *logger.Logger
	handlers map[schema.JobType]Handler
	poll     time.Duration
	backoff  time.Duration
	lockTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Worker)

// WithBackoff sets the retry delay after the first failed attempt. Each
// later attempt doubles it.
func WithBackoff(base time.Duration) Option {
	return func(w *Worker) {
		if base > 0 {
			w.backoff = base
		}
	}
}

// WithLockTTL bounds each handler run. It should match the queue's lock
// TTL so a handler stops before its job can be reclaimed.
func WithLockTTL(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.lockTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a Worker with no handlers registered.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, logs *logger.Logger, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	w := &Worker{
		store:    store,
		logs:     logs,
		handlers: make(map[schema.JobType]Handler),
		poll:     pollInterval,
		backoff:  DefaultBackoffBase,
		lockTTL:  jobs.DefaultLockTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Handle registers h for jobs of type t, replacing any earlier handler.
func (w *Worker) Handle(t schema.JobType, h Handler) {
	w.handlers[t] = h
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	span := w.logs.StartSpan(ctx, logger.Input{
		Entity:        schema.EntityRef{Type: "job", ID: job.ID},
		CorrelationID: job.ID,
		Event:         "job.run",
		Message:       fmt.Sprintf("Running %s (attempt %d/%d)", job.Type, job.Attempts, job.MaxAttempts),
		Data:          map[string]any{"entryId": job.EntryID, "attempt": job.Attempts},
		Source:        workerSource,
	})

	hctx, cancel := context.WithTimeout(ctx, w.lockTTL)
	result, err := w.dispatch(hctx, *job, span)
	cancel()

	// The outcome is recorded even when ctx was cancelled mid-run.
	bctx := context.WithoutCancel(ctx)
	var deferred *DeferError
	if errors.As(err, &deferred) {
		span.End(bctx, logger.Final{
			Message: "Deferred: " + deferred.Error(),
			Data:    map[string]any{"attempt": job.Attempts, "afterMs": deferred.After.Milliseconds()},
		})
		if _, derr := w.store.DeferJob(bctx, job.ID, job.Attempts, w.now().Add(deferred.After)); derr != nil {
			w.logger.Error("failed to defer job", "job_id", job.ID, "error", derr)
			return true, nil
		}
		w.logger.Debug("job deferred", "job_id", job.ID, "after", deferred.After)
		return true, nil
	}
	if err != nil {
		span.Error(bctx, err, map[string]any{"attempt": job.Attempts})
		retryAt := w.now().Add(Backoff(w.backoff, job.Attempts))
		failed, failErr := w.store.FailJob(bctx, job.ID, job.Attempts, err.Error(), jobs.RetryAt(retryAt))
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		w.logger.Warn("job failed", "job_id", job.ID, "status", failed.Status, "attempt", job.Attempts, "error", err)
		return true, nil
	}

	if _, err := w.store.CompleteJob(bctx, job.ID, job.Attempts, result); err != nil {
		span.Error(bctx, err, map[string]any{"attempt": job.Attempts})
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	span.End(bctx, logger.Final{Data: map[string]any{"attempt": job.Attempts}})
	w.logger.Debug("job completed", "job_id", job.ID, "entry_id", job.EntryID)
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, job schema.Job, span *logger.Span) (result any, err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job, span)
}

// Backoff returns the delay before retrying after the given attempt:
// base * 2^(attempt-1), capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
