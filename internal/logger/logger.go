// Package logger writes the durable, append-only log collection: structured
// facts about entries and jobs plus start/end span records for multi-step
// work. It is observability, not a source of truth, so write failures are
// reported to the process log and never abort the caller's operation.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

const (
	// DefaultTTL is the retention applied when neither the input nor the
	// Logger names one.
	DefaultTTL = 30 * 24 * time.Hour

	// PruneBatch bounds how many records one PruneExpired call removes.
	PruneBatch = 500
)

// Input describes one log record. TTL == 0 uses the Logger's default
// retention; a negative TTL keeps the record forever.
type Input struct {
	Entity        schema.EntityRef
	Level         schema.Level
	Event         string
	Message       string
	Data          map[string]any
	CorrelationID string
	SpanID        string
	ParentSpanID  string
	Source        *schema.Source
	TTL           time.Duration
	DurationMs    *int64 // set on span closing records
}

type Logger struct {
	db     *storage.Store
	now    func() time.Time
	ttl    time.Duration
	logger *slog.Logger
}

type Option func(*Logger)

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithTTL sets the default retention; d <= 0 keeps records forever.
func WithTTL(d time.Duration) Option {
	return func(l *Logger) { l.ttl = d }
}

// WithProcessLogger sets where write failures are reported.
func WithProcessLogger(sl *slog.Logger) Option {
	return func(l *Logger) { l.logger = sl }
}

func New(db *storage.Store, opts ...Option) *Logger {
	l := &Logger{db: db, now: time.Now, ttl: DefaultTTL, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Write stamps id, createdAt and ttlAfter and inserts the record.
func (l *Logger) Write(ctx context.Context, in Input) (schema.Log, error) {
	createdAt := l.now().UnixMilli()
	rec := schema.Log{
		ID:            uuid.NewString(),
		CreatedAt:     createdAt,
		Entity:        in.Entity,
		Level:         in.Level,
		Event:         in.Event,
		Message:       in.Message,
		Data:          in.Data,
		CorrelationID: in.CorrelationID,
		SpanID:        in.SpanID,
		ParentSpanID:  in.ParentSpanID,
		Source:        in.Source,
		DurationMs:    in.DurationMs,
	}
	if rec.Level == "" {
		rec.Level = schema.LevelInfo
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = l.ttl
	}
	if ttl > 0 {
		after := createdAt + ttl.Milliseconds()
		rec.TTLAfter = &after
	}
	if err := storage.Insert(ctx, l.db, schema.Logs, rec.ID, rec); err != nil {
		return schema.Log{}, fmt.Errorf("writing log %s: %w", rec.Event, err)
	}
	return rec, nil
}

// Emit is Write for callers that cannot act on a failure: errors go to the
// process log.
func (l *Logger) Emit(ctx context.Context, in Input) {
	if _, err := l.Write(ctx, in); err != nil {
		l.logger.Warn("durable log write failed", "event", in.Event, "entity_type", in.Entity.Type, "entity_id", in.Entity.ID, "error", err)
	}
}

// PruneExpired deletes up to PruneBatch records whose ttlAfter has passed
// and returns how many went.
func (l *Logger) PruneExpired(ctx context.Context) (int64, error) {
	n, err := l.db.DeleteWhere(ctx, schema.Logs.Name,
		"ttl_after IS NOT NULL AND ttl_after <= ?", PruneBatch, l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning logs: %w", err)
	}
	return n, nil
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	EntityType    string
	EntityID      string
	CorrelationID string
	SpanID        string
	Level         schema.Level
	Event         string
	Since         time.Time
	Limit         int  // <= 0 means 100
	Ascending     bool // oldest first; default newest first
}

// Query returns log records matching f, in insertion order within a
// millisecond.
func (l *Logger) Query(ctx context.Context, f Filter) ([]schema.Log, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if f.SpanID != "" {
		add("json_extract(doc, '$.spanId') = ?", f.SpanID)
	}
	if f.Level != "" {
		add("level = ?", string(f.Level))
	}
	if f.Event != "" {
		add("event = ?", f.Event)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	order := "created_at DESC, rowid DESC"
	if f.Ascending {
		order = "created_at ASC, rowid ASC"
	}
	out, err := storage.Find[schema.Log](ctx, l.db, schema.Logs, storage.Filter{
		Where:   strings.Join(where, " AND "),
		Args:    args,
		OrderBy: order,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	return out, nil
}

func newSpanID() string {
	id, err := gonanoid.New()
	if err != nil {
		// Only fails if the system random source does.
		return uuid.NewString()
	}
	return id
}
