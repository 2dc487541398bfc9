// Package jobs is the job queue: creation, claiming, completion and
// retry/backoff bookkeeping over the jobs collection.
//
// Status moves pending -> running -> completed, or running -> pending on a
// retryable failure, or running -> failed once attempts reach maxAttempts.
// Every transition is a conditional write on the expected status, so of two
// workers racing for the same job exactly one wins. CompleteJob and FailJob
// are also fenced on the attempt number StartJob handed out: a worker whose
// lock expired and whose job was claimed again cannot touch the new run.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lifelog-app/lifelog/internal/hooks"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

const (
	DefaultPriority    = 3
	DefaultMaxAttempts = 5
	DefaultLockTTL     = 2 * time.Minute
)

// claimRetries bounds how many lost races Claim tolerates per call.
const claimRetries = 3

type Store struct {
	db      *storage.Store
	hooks   *hooks.Chain[schema.Job]
	now     func() time.Time
	lockTTL time.Duration
	logger  *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockTTL sets how long a started job stays locked before
// ReclaimExpired may take it back.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(db *storage.Store, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, lockTTL: DefaultLockTTL, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.hooks = hooks.NewChain[schema.Job](schema.Jobs.Name, s.logger)
	return s
}

// Hooks exposes the job interceptor chain.
func (s *Store) Hooks() *hooks.Chain[schema.Job] {
	return s.hooks
}

type createOptions struct {
	priority    int
	maxAttempts int
	scheduledAt *int64
}

type CreateOption func(*createOptions)

// WithPriority sets 1 (highest) to 5 (lowest). Out-of-range values are
// rejected, not clamped.
func WithPriority(p int) CreateOption {
	return func(o *createOptions) { o.priority = p }
}

func WithMaxAttempts(n int) CreateOption {
	return func(o *createOptions) { o.maxAttempts = n }
}

// NotBefore delays the first claim until t.
func NotBefore(t time.Time) CreateOption {
	return func(o *createOptions) {
		ms := t.UnixMilli()
		o.scheduledAt = &ms
	}
}

// CreateJob enqueues a processEntry job for entryID. The entry must exist.
func (s *Store) CreateJob(ctx context.Context, entryID string, opts ...CreateOption) (schema.Job, error) {
	o := createOptions{priority: DefaultPriority, maxAttempts: DefaultMaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}

	now := s.now().UnixMilli()
	job := schema.Job{
		ID:          uuid.NewString(),
		Type:        schema.JobProcessEntry,
		EntryID:     entryID,
		Status:      schema.JobPending,
		Priority:    o.priority,
		Attempts:    0,
		MaxAttempts: o.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: o.scheduledAt,
	}
	if err := schema.Validate(schema.Jobs.Name, job); err != nil {
		return schema.Job{}, fmt.Errorf("creating job: %w", err)
	}

	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.db.Exists(ctx, schema.Entries.Name, entryID)
		if err != nil {
			return err
		}
		if !ok {
			return &EntryNotFoundError{EntryID: entryID}
		}
		if err := s.hooks.RunPre(ctx, hooks.PreInsert, &job); err != nil {
			return err
		}
		if err := storage.Insert(ctx, s.db, schema.Jobs, job.ID, job); err != nil {
			return err
		}
		s.afterCommit(ctx, hooks.PostInsert, job)
		return nil
	})
	if err != nil {
		return schema.Job{}, fmt.Errorf("creating job: %w", err)
	}
	return job, nil
}

// Enqueue creates a job with default priority and attempts.
func (s *Store) Enqueue(ctx context.Context, entryID string) (schema.Job, error) {
	return s.CreateJob(ctx, entryID)
}

// Get returns one job or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (schema.Job, error) {
	j, err := storage.Get[schema.Job](ctx, s.db, schema.Jobs, id)
	if err != nil {
		return schema.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	return j, nil
}

// FetchNextJob returns the next claimable job without claiming it: pending,
// attempts left, and not scheduled in the future; lowest priority value,
// then oldest, then smallest id. It returns nil when there is nothing to do.
func (s *Store) FetchNextJob(ctx context.Context) (*schema.Job, error) {
	found, err := storage.Find[schema.Job](ctx, s.db, schema.Jobs, storage.Filter{
		Where:   "status = 'pending' AND attempts < max_attempts AND (scheduled_at IS NULL OR scheduled_at <= ?)",
		Args:    []any{s.now().UnixMilli()},
		OrderBy: "priority ASC, created_at ASC, id ASC",
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching next job: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// StartJob claims a pending job: status becomes running, attempts goes up
// by one and the job is locked for the lock TTL. Any other current status
// yields *InvalidStateError.
func (s *Store) StartJob(ctx context.Context, id string) (schema.Job, error) {
	now := s.now()
	return s.transition(ctx, id, schema.JobPending, anyAttempt, func(cur schema.Job) map[string]any {
		return map[string]any{
			"status":      schema.JobRunning,
			"attempts":    cur.Attempts + 1,
			"updatedAt":   now.UnixMilli(),
			"lockedUntil": now.Add(s.lockTTL).UnixMilli(),
		}
	})
}

// Claim fetches and starts the next job, skipping jobs another worker
// claimed first. It returns nil when the queue is idle.
func (s *Store) Claim(ctx context.Context) (*schema.Job, error) {
	for i := 0; i < claimRetries; i++ {
		next, err := s.FetchNextJob(ctx)
		if err != nil || next == nil {
			return nil, err
		}
		job, err := s.StartJob(ctx, next.ID)
		if errors.Is(err, ErrInvalidState) {
			s.logger.Debug("lost claim race", "job_id", next.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, nil
}

// CompleteJob marks a running job completed. attempt is the job's Attempts
// as returned by StartJob. A non-nil result is stored as JSON on the job.
func (s *Store) CompleteJob(ctx context.Context, id string, attempt int, result any) (schema.Job, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return schema.Job{}, fmt.Errorf("encoding result of job %s: %w", id, err)
		}
		raw = b
	}
	now := s.now().UnixMilli()
	return s.transition(ctx, id, schema.JobRunning, attempt, func(schema.Job) map[string]any {
		p := map[string]any{
			"status":      schema.JobCompleted,
			"updatedAt":   now,
			"lockedUntil": nil,
		}
		if raw != nil {
			p["result"] = raw
		}
		return p
	})
}

type failOptions struct {
	retryAt *int64
}

type FailOption func(*failOptions)

// RetryAt schedules the retry, if there is one, no earlier than t.
func RetryAt(t time.Time) FailOption {
	return func(o *failOptions) {
		ms := t.UnixMilli()
		o.retryAt = &ms
	}
}

// FailJob records errMsg on a running job and sends it back to pending, or
// to failed once attempts has reached maxAttempts. attempt fences the write
// as in CompleteJob.
func (s *Store) FailJob(ctx context.Context, id string, attempt int, errMsg string, opts ...FailOption) (schema.Job, error) {
	var o failOptions
	for _, fn := range opts {
		fn(&o)
	}
	now := s.now().UnixMilli()
	return s.transition(ctx, id, schema.JobRunning, attempt, func(cur schema.Job) map[string]any {
		p := map[string]any{
			"error":       errMsg,
			"updatedAt":   now,
			"lockedUntil": nil,
		}
		if cur.Attempts >= cur.MaxAttempts {
			p["status"] = schema.JobFailed
		} else {
			p["status"] = schema.JobPending
			if o.retryAt != nil {
				p["scheduledAt"] = *o.retryAt
			}
		}
		return p
	})
}

// DeferJob puts a running job back to pending until t without spending the
// attempt StartJob took. It is for jobs that cannot make progress yet, not
// for failures.
func (s *Store) DeferJob(ctx context.Context, id string, attempt int, t time.Time) (schema.Job, error) {
	now := s.now().UnixMilli()
	return s.transition(ctx, id, schema.JobRunning, attempt, func(cur schema.Job) map[string]any {
		return map[string]any{
			"status":      schema.JobPending,
			"attempts":    cur.Attempts - 1,
			"scheduledAt": t.UnixMilli(),
			"updatedAt":   now,
			"lockedUntil": nil,
		}
	})
}

// ReclaimExpired fails every running job whose lock has expired, which
// sends it back to pending unless it is out of attempts. It returns how
// many jobs were reclaimed.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	stale, err := storage.Find[schema.Job](ctx, s.db, schema.Jobs, storage.Filter{
		Where: "status = 'running' AND locked_until IS NOT NULL AND locked_until <= ?",
		Args:  []any{s.now().UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("finding expired jobs: %w", err)
	}
	n := 0
	for _, job := range stale {
		j, err := s.FailJob(ctx, job.ID, job.Attempts, "lock expired")
		if errors.Is(err, ErrInvalidState) {
			continue
		}
		if err != nil {
			return n, err
		}
		s.logger.Warn("reclaimed job with expired lock", "job_id", job.ID, "status", j.Status)
		n++
	}
	return n, nil
}

// anyAttempt disables the attempt fence in transition.
const anyAttempt = -1

// transition moves job id from expected to the state build describes. The
// read and the write happen in one write transaction. Unless attempt is
// anyAttempt, the job must still be on that attempt.
func (s *Store) transition(ctx context.Context, id string, expected schema.JobStatus, attempt int, build func(cur schema.Job) map[string]any) (schema.Job, error) {
	var out schema.Job
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		cur, err := storage.Get[schema.Job](ctx, s.db, schema.Jobs, id)
		if err != nil {
			return err
		}
		if cur.Status != expected || (attempt != anyAttempt && cur.Attempts != attempt) {
			return &InvalidStateError{JobID: id, Current: cur.Status, Expected: expected, Attempt: cur.Attempts, ExpectedAttempt: attempt}
		}

		j, ok, err := storage.PatchIf[schema.Job](ctx, s.db, schema.Jobs, id,
			"status = ? AND attempts = ?", []any{string(expected), cur.Attempts}, build(cur))
		if err != nil {
			return err
		}
		if !ok {
			fresh, err := storage.Get[schema.Job](ctx, s.db, schema.Jobs, id)
			if err != nil {
				return err
			}
			return &InvalidStateError{JobID: id, Current: fresh.Status, Expected: expected, Attempt: fresh.Attempts, ExpectedAttempt: attempt}
		}

		if s.hooks.Len(hooks.PreSave) > 0 {
			if err := s.hooks.RunPre(ctx, hooks.PreSave, &j); err != nil {
				return err
			}
			if err := storage.Replace(ctx, s.db, schema.Jobs, id, j); err != nil {
				return err
			}
		}
		out = j
		s.afterCommit(ctx, hooks.PostSave, j)
		return nil
	})
	if err != nil {
		var ise *InvalidStateError
		if errors.As(err, &ise) {
			return schema.Job{}, err
		}
		return schema.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) afterCommit(ctx context.Context, ev hooks.Event, j schema.Job) {
	storage.AfterCommit(ctx, func() {
		s.hooks.RunPost(context.WithoutCancel(storage.Detach(ctx)), ev, j)
	})
}
