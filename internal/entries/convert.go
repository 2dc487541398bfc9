package entries

import (
	"context"
	"fmt"
	"strings"

	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
	"github.com/lifelog-app/lifelog/internal/timefmt"
)

// ConvertOptions controls ConvertIDsToContent.
type ConvertOptions struct {
	RelativeDate       bool
	Locale             string
	PreserveInputOrder bool
}

// DefaultConvertOptions renders relative English dates, newest first.
func DefaultConvertOptions() ConvertOptions {
	return ConvertOptions{RelativeDate: true, Locale: "en"}
}

// ContextItem is one resolved entry: its trimmed text and display date.
type ContextItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Date string `json:"date"`
}

// ConvertIDsToContent resolves ids to text and dates for prompt assembly.
// It is all-or-nothing: one entry that is missing, still transcribing,
// failed transcription or has no text fails the whole call with a
// *ContentError. Repeated ids appear once. Without PreserveInputOrder the
// result is newest first; with it, in order of first appearance.
func (s *Store) ConvertIDsToContent(ctx context.Context, ids []string, opts ConvertOptions) ([]ContextItem, error) {
	if len(ids) == 0 {
		return []ContextItem{}, nil
	}

	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	docs, err := storage.Find[schema.Entry](ctx, s.db, schema.Entries, storage.Filter{
		Where:   "id IN (?" + strings.Repeat(",?", len(unique)-1) + ")",
		Args:    toArgs(unique),
		OrderBy: "created_at DESC, id DESC",
	})
	if err != nil {
		return nil, fmt.Errorf("resolving context: %w", err)
	}

	now := s.now()
	byID := make(map[string]ContextItem, len(docs))
	rows := make([]ContextItem, 0, len(docs))
	for _, d := range docs {
		switch d.AsyncControl.AudioConvertingToEntryText {
		case schema.AudioError:
			return nil, contentErr(d.ID, ErrTranscriptionFailed)
		case schema.AudioProcessing:
			return nil, contentErr(d.ID, ErrStillProcessing)
		}
		text := strings.TrimSpace(d.Text())
		if text == "" {
			return nil, contentErr(d.ID, ErrEmptyText)
		}
		item := ContextItem{
			ID:   d.ID,
			Text: text,
			Date: timefmt.Format(d.CreatedAt, timefmt.Options{
				Relative: opts.RelativeDate,
				Locale:   opts.Locale,
				Now:      now,
			}),
		}
		byID[d.ID] = item
		rows = append(rows, item)
	}

	for _, id := range unique {
		if _, ok := byID[id]; !ok {
			return nil, contentErr(id, missing)
		}
	}

	if !opts.PreserveInputOrder {
		return rows, nil
	}
	ordered := make([]ContextItem, 0, len(unique))
	for _, id := range unique {
		ordered = append(ordered, byID[id])
	}
	return ordered, nil
}

func toArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
