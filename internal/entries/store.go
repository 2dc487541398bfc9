// Package entries stores user entries and derives each entry's frozen
// context window at insert time.
package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lifelog-app/lifelog/internal/hooks"
	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

// DefaultListLimit applies when ListRecent is given no positive limit.
const DefaultListLimit = 20

// ErrNoContent is returned by AddEntry for input with neither text nor audio.
var ErrNoContent = errors.New("entry needs text or an audio attachment")

// ErrTextFrozen is returned by SetTranscript when the entry already has text.
var ErrTextFrozen = errors.New("entry text is already set")

// JobEnqueuer creates the enrichment job for a new entry.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, entryID string) (schema.Job, error)
}

type Store struct {
	db     *storage.Store
	hooks  *hooks.Chain[schema.Entry]
	jobs   JobEnqueuer
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithJobs enables the best-effort job enqueue in AddEntry.
func WithJobs(j JobEnqueuer) Option {
	return func(s *Store) { s.jobs = j }
}

// New returns an entry store over db. The context-window derivation is
// registered as the first pre-insert hook.
func New(db *storage.Store, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.hooks = hooks.NewChain[schema.Entry](schema.Entries.Name, s.logger)
	s.hooks.On(hooks.PreInsert, "entries.givenContext", s.deriveContext)
	return s
}

// Hooks exposes the entry interceptor chain.
func (s *Store) Hooks() *hooks.Chain[schema.Entry] {
	return s.hooks
}

// Input is what a caller supplies to create an entry.
type Input struct {
	Text              string
	AudioAttachmentID string
	// AudioStatus overrides the initial transcription state. Empty means
	// "processing" for audio without text and "done" otherwise.
	AudioStatus schema.AudioStatus
}

// AddEntry persists a new entry and then tries to enqueue its enrichment
// job. Enqueue failures are logged and do not fail the call: the entry is
// already stored.
func (s *Store) AddEntry(ctx context.Context, in Input) (schema.Entry, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.AudioAttachmentID == "" {
		return schema.Entry{}, ErrNoContent
	}

	kind := schema.KindText
	audio := schema.AudioDone
	if in.AudioAttachmentID != "" {
		kind = schema.KindAudio
		if text == "" {
			audio = schema.AudioProcessing
		}
	}
	if in.AudioStatus != "" {
		audio = in.AudioStatus
	}

	now := s.now().UnixMilli()
	e := schema.Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
		Content: schema.Content{PhaseA: schema.PhaseA{
			EntryText:         in.Text,
			AudioAttachmentID: in.AudioAttachmentID,
		}},
		GivenContext: []string{},
		AsyncControl: schema.AsyncControl{
			AudioConvertingToEntryText: audio,
			EnrichmentStatus:           schema.EnrichmentIdle,
		},
	}

	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		if err := s.hooks.RunPre(ctx, hooks.PreInsert, &e); err != nil {
			return err
		}
		if err := storage.Insert(ctx, s.db, schema.Entries, e.ID, e); err != nil {
			return err
		}
		s.afterCommit(ctx, hooks.PostInsert, e)
		return nil
	})
	if err != nil {
		return schema.Entry{}, fmt.Errorf("adding entry: %w", err)
	}

	if s.jobs != nil {
		job, err := s.jobs.Enqueue(ctx, e.ID)
		if err != nil {
			s.logger.Warn("enqueueing enrichment job failed, entry kept", "entry_id", e.ID, "error", err)
		} else {
			s.logger.Debug("enrichment job enqueued", "entry_id", e.ID, "job_id", job.ID)
		}
	}
	return e, nil
}

// deriveContext freezes the ids of the entries created strictly before e.
// createdAt is moved past the newest stored entry when the clock has not
// advanced, so the window never contains a same-millisecond sibling.
func (s *Store) deriveContext(ctx context.Context, e *schema.Entry) error {
	var newest sql.NullInt64
	if err := s.db.Conn(ctx).QueryRowContext(ctx, "SELECT MAX(created_at) FROM entries").Scan(&newest); err != nil {
		return fmt.Errorf("reading newest entry: %w", err)
	}
	if newest.Valid && e.CreatedAt <= newest.Int64 {
		e.CreatedAt = newest.Int64 + 1
		e.UpdatedAt = e.CreatedAt
	}

	ids, err := s.GetLastEntryIDs(ctx, e.CreatedAt-1, schema.MaxGivenContext)
	if err != nil {
		return err
	}
	e.GivenContext = ids
	return nil
}

// Get returns one entry or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (schema.Entry, error) {
	e, err := storage.Get[schema.Entry](ctx, s.db, schema.Entries, id)
	if err != nil {
		return schema.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.db.Exists(ctx, schema.Entries.Name, id)
}

// ListRecent returns up to limit entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]schema.Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	out, err := storage.Find[schema.Entry](ctx, s.db, schema.Entries, storage.Filter{
		OrderBy: "created_at DESC, id DESC",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return out, nil
}

// GetLastEntryIDs returns the ids of up to limit entries with
// createdAt <= before, ordered createdAt desc then id desc.
func (s *Store) GetLastEntryIDs(ctx context.Context, before int64, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	ids, err := s.db.FindIDs(ctx, schema.Entries.Name, storage.Filter{
		Where:   "created_at <= ?",
		Args:    []any{before},
		OrderBy: "created_at DESC, id DESC",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("last entry ids: %w", err)
	}
	return ids, nil
}

// UpdateAudioStatus sets the transcription state of one entry.
func (s *Store) UpdateAudioStatus(ctx context.Context, id string, status schema.AudioStatus) (schema.Entry, error) {
	return s.save(ctx, id, map[string]any{
		"updatedAt":    s.now().UnixMilli(),
		"asyncControl": map[string]any{"audioConvertingToEntryText": status},
	})
}

// SetTranscript stores the transcription of an audio entry and marks audio
// conversion done. Entries that already carry text are left alone.
func (s *Store) SetTranscript(ctx context.Context, id, text string) (schema.Entry, error) {
	var out schema.Entry
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		e, ok, err := storage.PatchIf[schema.Entry](ctx, s.db, schema.Entries, id,
			"COALESCE(json_extract(doc, '$.content.phaseA.entryText'), '') = ''", nil,
			map[string]any{
				"updatedAt":    s.now().UnixMilli(),
				"content":      map[string]any{"phaseA": map[string]any{"entryText": text}},
				"asyncControl": map[string]any{"audioConvertingToEntryText": schema.AudioDone},
			})
		if err != nil {
			return err
		}
		if !ok {
			return ErrTextFrozen
		}
		out, err = s.afterPatch(ctx, e)
		return err
	})
	if err != nil {
		return schema.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return out, nil
}

// MarkAsEnriched records a successful enrichment and clears any error.
func (s *Store) MarkAsEnriched(ctx context.Context, id string) (schema.Entry, error) {
	now := s.now().UnixMilli()
	return s.save(ctx, id, map[string]any{
		"updatedAt": now,
		"asyncControl": map[string]any{
			"enrichmentStatus": schema.EnrichmentDone,
			"enrichedAt":       now,
			"error":            nil,
		},
	})
}

// SetEnrichmentStatus moves the enrichment state. An empty errMsg clears
// the stored error.
func (s *Store) SetEnrichmentStatus(ctx context.Context, id string, status schema.EnrichmentStatus, errMsg string) (schema.Entry, error) {
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	return s.save(ctx, id, map[string]any{
		"updatedAt": s.now().UnixMilli(),
		"asyncControl": map[string]any{
			"enrichmentStatus": status,
			"error":            msg,
		},
	})
}

// UpdatePhaseB replaces the enrichment result and refreshes tagsFlat.
func (s *Store) UpdatePhaseB(ctx context.Context, id string, pb schema.PhaseB) (schema.Entry, error) {
	var out schema.Entry
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		// Clear first: a merge patch would keep fields the new result omits.
		if _, err := storage.Patch[schema.Entry](ctx, s.db, schema.Entries, id,
			map[string]any{"content": map[string]any{"phaseB": nil}}); err != nil {
			return err
		}
		e, err := storage.Patch[schema.Entry](ctx, s.db, schema.Entries, id, map[string]any{
			"updatedAt": s.now().UnixMilli(),
			"content":   map[string]any{"phaseB": pb},
			"tagsFlat":  FlattenTags(pb.Tags),
		})
		if err != nil {
			return err
		}
		out, err = s.afterPatch(ctx, e)
		return err
	})
	if err != nil {
		return schema.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return out, nil
}

// FlattenTags lowercases, trims and de-duplicates tags, keeping first-seen
// order.
func FlattenTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// save applies a merge patch and runs the save hooks.
func (s *Store) save(ctx context.Context, id string, patch map[string]any) (schema.Entry, error) {
	var out schema.Entry
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		e, err := storage.Patch[schema.Entry](ctx, s.db, schema.Entries, id, patch)
		if err != nil {
			return err
		}
		out, err = s.afterPatch(ctx, e)
		return err
	})
	if err != nil {
		return schema.Entry{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return out, nil
}

// afterPatch runs pre-save hooks on the merged document, writing it back if
// any are registered, and schedules the post-save hooks. ctx must carry the
// transaction of the patch.
func (s *Store) afterPatch(ctx context.Context, e schema.Entry) (schema.Entry, error) {
	if s.hooks.Len(hooks.PreSave) > 0 {
		if err := s.hooks.RunPre(ctx, hooks.PreSave, &e); err != nil {
			return schema.Entry{}, err
		}
		if err := storage.Replace(ctx, s.db, schema.Entries, e.ID, e); err != nil {
			return schema.Entry{}, err
		}
	}
	s.afterCommit(ctx, hooks.PostSave, e)
	return e, nil
}

func (s *Store) afterCommit(ctx context.Context, ev hooks.Event, e schema.Entry) {
	storage.AfterCommit(ctx, func() {
		s.hooks.RunPost(context.WithoutCancel(storage.Detach(ctx)), ev, e)
	})
}
