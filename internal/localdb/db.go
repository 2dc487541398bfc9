// Package localdb opens the lifelog database and wires the collection stores
// together: entries enqueue jobs, every committed write is logged to the
// durable log collection and fanned out to live subscriptions.
package localdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/feed"
	"github.com/lifelog-app/lifelog/internal/jobs"
	"github.com/lifelog-app/lifelog/internal/leader"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

// WorkerLease is the lease name held by the instance that runs background work.
const WorkerLease = "worker"

// Options configures Open. Zero values select the package defaults.
type Options struct {
	// DataDir holds lifelog.db. ":memory:" opens a private in-memory database.
	DataDir  string
	LogTTL   time.Duration
	LockTTL  time.Duration
	LeaseTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type DB struct {
	Storage *storage.Store
	Entries *entries.Store
	Jobs    *jobs.Store
	Logs    *logger.Logger

	entryFeed *feed.Hub[schema.Entry]
	jobFeed   *feed.Hub[schema.Job]

	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Open opens the database, upgrades stored documents written by older
// versions, and installs the logging and feed hooks.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	st, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}
	for _, c := range []schema.Collection{schema.Entries, schema.Jobs, schema.Logs} {
		n, err := st.UpgradeDocuments(ctx, c)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("upgrading %s: %w", c.Name, err)
		}
		if n > 0 {
			opts.Logger.Info("upgraded stored documents", "collection", c.Name, "count", n)
		}
	}

	jobOpts := []jobs.Option{jobs.WithClock(opts.Now), jobs.WithLogger(opts.Logger)}
	if opts.LockTTL > 0 {
		jobOpts = append(jobOpts, jobs.WithLockTTL(opts.LockTTL))
	}
	js := jobs.New(st, jobOpts...)

	logOpts := []logger.Option{logger.WithClock(opts.Now), logger.WithProcessLogger(opts.Logger)}
	if opts.LogTTL != 0 {
		logOpts = append(logOpts, logger.WithTTL(opts.LogTTL))
	}

	db := &DB{
		Storage:   st,
		Jobs:      js,
		Entries:   entries.New(st, entries.WithClock(opts.Now), entries.WithLogger(opts.Logger), entries.WithJobs(js)),
		Logs:      logger.New(st, logOpts...),
		entryFeed: feed.NewHub[schema.Entry](),
		jobFeed:   feed.NewHub[schema.Job](),
		leaseTTL:  opts.LeaseTTL,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	db.installHooks()
	return db, nil
}

func (db *DB) Close() error {
	return db.Storage.Close()
}

// Elector returns a leader elector for the worker lease on this database.
func (db *DB) Elector(opts ...leader.Option) *leader.Elector {
	base := []leader.Option{leader.WithClock(db.now), leader.WithLogger(db.logger)}
	if db.leaseTTL > 0 {
		base = append(base, leader.WithTTL(db.leaseTTL))
	}
	return leader.New(db.Storage, WorkerLease, append(base, opts...)...)
}

// EntryFilter selects entries for ObserveEntries. Zero fields match all.
type EntryFilter struct {
	EnrichmentStatus schema.EnrichmentStatus
	// Limit bounds the replayed set; deltas are not limited.
	Limit int
}

func (f EntryFilter) match(e schema.Entry) bool {
	return f.EnrichmentStatus == "" || e.AsyncControl.EnrichmentStatus == f.EnrichmentStatus
}

// ObserveEntries returns a live query replaying the newest matching entries
// and then every later matching insert or save.
func (db *DB) ObserveEntries(f EntryFilter) *feed.Query[schema.Entry] {
	load := func(ctx context.Context) ([]schema.Entry, error) {
		limit := f.Limit
		if limit <= 0 {
			limit = entries.DefaultListLimit
		}
		sf := storage.Filter{OrderBy: "created_at DESC, id DESC", Limit: limit}
		if f.EnrichmentStatus != "" {
			sf.Where = "enrichment_status = ?"
			sf.Args = []any{string(f.EnrichmentStatus)}
		}
		return storage.Find[schema.Entry](ctx, db.Storage, schema.Entries, sf)
	}
	return feed.NewQuery(db.entryFeed, load, f.match)
}

// ObserveJobs returns a live query over jobs matching f.
func (db *DB) ObserveJobs(f jobs.ListFilter) *feed.Query[schema.Job] {
	load := func(ctx context.Context) ([]schema.Job, error) {
		return db.Jobs.List(ctx, f)
	}
	match := func(j schema.Job) bool {
		return (f.Status == "" || j.Status == f.Status) && (f.EntryID == "" || j.EntryID == f.EntryID)
	}
	return feed.NewQuery(db.jobFeed, load, match)
}
