package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lifelog-app/lifelog/internal/composer"
	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/llm"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
)

// ErrNoAPIKey is returned when enrichment runs without a configured key.
var ErrNoAPIKey = errors.New("llm api key is not configured")

// AudioRecheckInterval is how long a job for an entry still being
// transcribed waits before looking again.
const AudioRecheckInterval = 30 * time.Second

// maxTagLen matches the stored tag limit, in runes.
const maxTagLen = 64

// EntryStore is the part of the entry store the enricher writes through.
type EntryStore interface {
	Get(ctx context.Context, id string) (schema.Entry, error)
	ConvertIDsToContent(ctx context.Context, ids []string, opts entries.ConvertOptions) ([]entries.ContextItem, error)
	SetEnrichmentStatus(ctx context.Context, id string, status schema.EnrichmentStatus, errMsg string) (schema.Entry, error)
	UpdatePhaseB(ctx context.Context, id string, pb schema.PhaseB) (schema.Entry, error)
	MarkAsEnriched(ctx context.Context, id string) (schema.Entry, error)
}

type EnrichConfig struct {
	APIKey string
	Model  string
	// Locale selects the date format of context lines in the prompt.
	Locale string
	// MaxContextTokens bounds the context lines in the prompt.
	MaxContextTokens int
}

// Enricher is the processEntry handler: it asks the LLM for the phase B
// fields of an entry, given the entry's frozen context window.
type Enricher struct {
	entries  EntryStore
	llm      llm.Sender
	composer *composer.Composer
	cfg      EnrichConfig
	logger   *slog.Logger
}

func NewEnricher(store EntryStore, sender llm.Sender, cfg EnrichConfig) *Enricher {
	if cfg.Locale == "" {
		cfg.Locale = "en"
	}
	return &Enricher{
		entries:  store,
		llm:      sender,
		composer: composer.New(cfg.MaxContextTokens),
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Handle implements Handler for processEntry jobs.
func (e *Enricher) Handle(ctx context.Context, job schema.Job, span *logger.Span) (any, error) {
	entry, err := e.entries.Get(ctx, job.EntryID)
	if err != nil {
		return nil, err
	}

	switch entry.AsyncControl.AudioConvertingToEntryText {
	case schema.AudioProcessing:
		// Not a failure: wait for the transcript without spending an attempt.
		return nil, Defer(AudioRecheckInterval, fmt.Errorf("entry %s: %w", entry.ID, entries.ErrStillProcessing))
	case schema.AudioError:
		return nil, e.fail(ctx, entry.ID, fmt.Errorf("entry %s: %w", entry.ID, entries.ErrTranscriptionFailed))
	}

	if _, err := e.entries.SetEnrichmentStatus(ctx, entry.ID, schema.EnrichmentRunning, ""); err != nil {
		return nil, err
	}

	items, err := e.entries.ConvertIDsToContent(ctx, entry.GivenContext, entries.ConvertOptions{
		RelativeDate: true,
		Locale:       e.cfg.Locale,
	})
	if err != nil {
		return nil, e.fail(ctx, entry.ID, fmt.Errorf("resolving context: %w", err))
	}

	if e.cfg.APIKey == "" {
		return nil, e.fail(ctx, entry.ID, ErrNoAPIKey)
	}

	prompt, used := e.composer.Compose(entry.Text(), items)
	call := span.Child(ctx, logger.Input{
		Event:   "llm.call",
		Message: "Calling " + e.cfg.Model,
		Data:    map[string]any{"model": e.cfg.Model, "promptChars": len(prompt), "contextLen": len(items), "contextUsed": used},
	})
	text, err := e.llm.SendPrompt(ctx, prompt, e.cfg.APIKey, e.cfg.Model)
	if err != nil {
		call.Error(ctx, err, nil)
		return nil, e.fail(ctx, entry.ID, err)
	}
	call.End(ctx, logger.Final{Data: map[string]any{"responseChars": len(text)}})

	pb, err := ParsePhaseB(text)
	if err != nil {
		return nil, e.fail(ctx, entry.ID, err)
	}
	if _, err := e.entries.UpdatePhaseB(ctx, entry.ID, pb); err != nil {
		return nil, e.fail(ctx, entry.ID, err)
	}
	if _, err := e.entries.MarkAsEnriched(ctx, entry.ID); err != nil {
		return nil, err
	}

	return map[string]any{
		"entryId":    entry.ID,
		"model":      e.cfg.Model,
		"tags":       entries.FlattenTags(pb.Tags),
		"contextLen": len(items),
	}, nil
}

// fail records err on the entry and returns it. A failure to record is
// logged; the job outcome still carries err.
func (e *Enricher) fail(ctx context.Context, entryID string, err error) error {
	if _, serr := e.entries.SetEnrichmentStatus(context.WithoutCancel(ctx), entryID, schema.EnrichmentError, err.Error()); serr != nil {
		e.logger.Warn("recording enrichment error failed", "entry_id", entryID, "error", serr)
	}
	return err
}

// ParsePhaseB extracts the JSON object from a model reply. Markdown code
// fences and text around the object are ignored. The raw reply is kept in
// Meta.Raw.
func ParsePhaseB(text string) (schema.PhaseB, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return schema.PhaseB{}, fmt.Errorf("parsing model reply: no JSON object in %q", truncate(text, 80))
	}

	var pb schema.PhaseB
	if err := json.Unmarshal([]byte(body[start:end+1]), &pb); err != nil {
		return schema.PhaseB{}, fmt.Errorf("parsing model reply: %w", err)
	}
	pb.Tags = cleanTags(pb.Tags)
	pb.Meta = &schema.Meta{Raw: text}
	return pb, nil
}

// cleanTags drops blank tags and cuts long ones to maxTagLen runes.
func cleanTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if r := []rune(t); len(r) > maxTagLen {
			t = strings.TrimSpace(string(r[:maxTagLen]))
		}
		out = append(out, t)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
