package localdb

import (
	"context"
	"fmt"

	"github.com/lifelog-app/lifelog/internal/feed"
	"github.com/lifelog-app/lifelog/internal/hooks"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
)

var (
	entrySource = &schema.Source{App: "lifelog", Module: "entries"}
	jobSource   = &schema.Source{App: "lifelog", Module: "jobs"}
)

// installHooks registers the post-write interceptors. Logging runs before
// the feed so a subscriber that reads logs after a delta finds the record.
func (db *DB) installHooks() {
	eh := db.Entries.Hooks()
	eh.On(hooks.PostInsert, "log.entry.inserted", db.logEntryInserted)
	eh.On(hooks.PostSave, "log.entry.saved", db.logEntrySaved)
	eh.On(hooks.PostInsert, "feed.entries", publish(db.entryFeed, feed.OpInsert))
	eh.On(hooks.PostSave, "feed.entries", publish(db.entryFeed, feed.OpUpdate))

	jh := db.Jobs.Hooks()
	jh.On(hooks.PostInsert, "log.job.enqueued", db.logJobEnqueued)
	jh.On(hooks.PostSave, "log.job.status", db.logJobStatus)
	jh.On(hooks.PostInsert, "feed.jobs", publish(db.jobFeed, feed.OpInsert))
	jh.On(hooks.PostSave, "feed.jobs", publish(db.jobFeed, feed.OpUpdate))
}

func publish[T any](hub *feed.Hub[T], op feed.Op) hooks.Handler[T] {
	return func(_ context.Context, doc *T) error {
		hub.Publish(op, *doc)
		return nil
	}
}

func (db *DB) logEntryInserted(ctx context.Context, e *schema.Entry) error {
	_, err := db.Logs.Write(ctx, logger.Input{
		Entity:        schema.EntityRef{Type: "entry", ID: e.ID},
		CorrelationID: e.ID,
		Level:         schema.LevelInfo,
		Event:         "entry.inserted",
		Message:       "Entry created",
		Data: map[string]any{
			"createdAt":       e.CreatedAt,
			"hasText":         e.Text() != "",
			"givenContextLen": len(e.GivenContext),
		},
		Source: entrySource,
	})
	return err
}

func (db *DB) logEntrySaved(ctx context.Context, e *schema.Entry) error {
	_, err := db.Logs.Write(ctx, logger.Input{
		Entity:        schema.EntityRef{Type: "entry", ID: e.ID},
		CorrelationID: e.ID,
		Level:         schema.LevelInfo,
		Event:         "entry.saved",
		Message:       "Entry updated",
		Data:          map[string]any{"enrichmentStatus": e.AsyncControl.EnrichmentStatus},
		Source:        entrySource,
	})
	return err
}

func (db *DB) logJobEnqueued(ctx context.Context, j *schema.Job) error {
	_, err := db.Logs.Write(ctx, logger.Input{
		Entity:        schema.EntityRef{Type: "job", ID: j.ID},
		CorrelationID: j.ID,
		Level:         schema.LevelInfo,
		Event:         "job.enqueued",
		Message:       fmt.Sprintf("Job enqueued (priority=%d)", j.Priority),
		Data: map[string]any{
			"type":        j.Type,
			"entryId":     j.EntryID,
			"attempts":    j.Attempts,
			"maxAttempts": j.MaxAttempts,
		},
		Source: jobSource,
	})
	return err
}

func (db *DB) logJobStatus(ctx context.Context, j *schema.Job) error {
	level := schema.LevelInfo
	switch j.Status {
	case schema.JobFailed:
		level = schema.LevelError
	case schema.JobRunning:
		level = schema.LevelDebug
	}
	_, err := db.Logs.Write(ctx, logger.Input{
		Entity:        schema.EntityRef{Type: "job", ID: j.ID},
		CorrelationID: j.ID,
		Level:         level,
		Event:         "job." + string(j.Status),
		Message:       "Job " + string(j.Status),
		Data: map[string]any{
			"attempts":  j.Attempts,
			"error":     j.Error,
			"updatedAt": j.UpdatedAt,
		},
		Source: jobSource,
	})
	return err
}
