// Package leader elects a single active instance among every lifelog
// process sharing a database, using a lease row renewed by heartbeat.
package leader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lifelog-app/lifelog/internal/storage"
)

// DefaultTTL is how long a lease lasts without renewal.
const DefaultTTL = 15 * time.Second

// Elector competes for one named lease.
type Elector struct {
	db     *storage.Store
	name   string
	holder string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	leading atomic.Bool
}

type Option func(*Elector)

func WithTTL(d time.Duration) Option {
	return func(e *Elector) {
		if d > 0 {
			e.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Elector) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Elector) { e.logger = l }
}

// WithHolderID replaces the random holder id.
func WithHolderID(id string) Option {
	return func(e *Elector) { e.holder = id }
}

func New(db *storage.Store, name string, opts ...Option) *Elector {
	e := &Elector{
		db:     db,
		name:   name,
		holder: uuid.NewString(),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ID returns this elector's holder id.
func (e *Elector) ID() string { return e.holder }

// IsLeader reports whether Run currently holds the lease.
func (e *Elector) IsLeader() bool { return e.leading.Load() }

// TryAcquire takes or renews the lease. It succeeds only if the lease is
// free, expired, or already held by this elector.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	now := e.now()
	res, err := e.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO leases (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = CASE WHEN leases.holder = excluded.holder THEN leases.acquired_at ELSE excluded.acquired_at END,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`,
		e.name, e.holder, now.UnixMilli(), now.Add(e.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", e.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives the lease up if this elector holds it.
func (e *Elector) Release(ctx context.Context) error {
	_, err := e.db.Conn(ctx).ExecContext(ctx,
		"DELETE FROM leases WHERE name = ? AND holder = ?", e.name, e.holder)
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", e.name, err)
	}
	return nil
}

// Lease describes the current holder of a lease.
type Lease struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Current returns the stored lease, or storage.ErrNotFound if nobody holds it.
func (e *Elector) Current(ctx context.Context) (Lease, error) {
	var l Lease
	var acquired, expires int64
	err := e.db.Conn(ctx).QueryRowContext(ctx,
		"SELECT name, holder, acquired_at, expires_at FROM leases WHERE name = ?", e.name,
	).Scan(&l.Name, &l.Holder, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, storage.ErrNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("reading lease %s: %w", e.name, err)
	}
	l.AcquiredAt = time.UnixMilli(acquired)
	l.ExpiresAt = time.UnixMilli(expires)
	return l, nil
}

// Run competes for the lease until ctx is done, renewing every ttl/3.
// While the lease is held, duties runs with a context that is cancelled as
// soon as a renewal fails. Duties that return early are restarted on the
// next heartbeat. On exit the lease is released so a follower can take over
// without waiting for expiry.
func (e *Elector) Run(ctx context.Context, duties func(ctx context.Context) error) error {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	var (
		cancelDuties context.CancelFunc
		dutiesDone   chan struct{}
	)
	stopDuties := func() {
		if cancelDuties == nil {
			return
		}
		cancelDuties()
		<-dutiesDone
		cancelDuties, dutiesDone = nil, nil
		e.leading.Store(false)
	}
	defer func() {
		stopDuties()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.Release(rctx); err != nil {
			e.logger.Warn("releasing lease failed", "lease", e.name, "error", err)
		}
	}()

	for {
		if dutiesDone != nil {
			select {
			case <-dutiesDone:
				stopDuties()
			default:
			}
		}

		ok, err := e.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("lease heartbeat failed", "lease", e.name, "error", err)
			ok = false
		}

		switch {
		case ok && cancelDuties == nil:
			e.logger.Info("acquired leadership", "lease", e.name, "holder", e.holder)
			dctx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			cancelDuties, dutiesDone = cancel, done
			e.leading.Store(true)
			go func() {
				defer close(done)
				if err := duties(dctx); err != nil && dctx.Err() == nil {
					e.logger.Error("leader duties stopped", "lease", e.name, "error", err)
				}
			}()
		case !ok && cancelDuties != nil:
			e.logger.Warn("lost leadership", "lease", e.name, "holder", e.holder)
			stopDuties()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
