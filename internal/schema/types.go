// Package schema declares the shapes of the three persisted collections
// (entries, jobs, logs), the rules they are validated against at the storage
// boundary, and the per-collection document migrations.
package schema

import "encoding/json"

// MaxTimestamp bounds epoch-millisecond fields (year 3000).
const MaxTimestamp int64 = 32503680000000

// MaxGivenContext is the size of the frozen context window of an entry.
const MaxGivenContext = 5

type EntryKind string

const (
	KindText  EntryKind = "text"
	KindAudio EntryKind = "audio"
)

// AudioStatus tracks audio-to-text conversion. Text entries are "done".
type AudioStatus string

const (
	AudioIdle       AudioStatus = "idle"
	AudioProcessing AudioStatus = "processing"
	AudioDone       AudioStatus = "done"
	AudioError      AudioStatus = "error"
)

type EnrichmentStatus string

const (
	EnrichmentIdle    EnrichmentStatus = "idle"
	EnrichmentQueued  EnrichmentStatus = "queued"
	EnrichmentRunning EnrichmentStatus = "running"
	EnrichmentDone    EnrichmentStatus = "done"
	EnrichmentError   EnrichmentStatus = "error"
)

// Entry is one captured user input. Content.PhaseA and GivenContext are
// fixed at creation; PhaseB, AsyncControl and TagsFlat are written later by
// the enrichment pipeline.
type Entry struct {
	ID           string       `json:"id" validate:"required,max=128"`
	Kind         EntryKind    `json:"kind" validate:"required,oneof=text audio"`
	CreatedAt    int64        `json:"createdAt" validate:"gte=0,lte=32503680000000"`
	UpdatedAt    int64        `json:"updatedAt" validate:"gte=0,lte=32503680000000"`
	Content      Content      `json:"content"`
	GivenContext []string     `json:"givenContext" validate:"max=5,dive,required,max=128"`
	AsyncControl AsyncControl `json:"asyncControl"`
	TagsFlat     []string     `json:"tagsFlat,omitempty" validate:"omitempty,dive,required"`
}

type Content struct {
	PhaseA PhaseA  `json:"phaseA"`
	PhaseB *PhaseB `json:"phaseB,omitempty"`
}

// PhaseA is the raw captured input.
type PhaseA struct {
	EntryText         string `json:"entryText,omitempty"`
	AudioAttachmentID string `json:"audioAttachmentId,omitempty" validate:"omitempty,max=256"`
}

// PhaseB holds enrichment results produced by the LLM.
type PhaseB struct {
	GainedXP   *float64 `json:"gainedXp,omitempty"`
	EstMinutes *float64 `json:"est_minutes_for_the_task,omitempty" validate:"omitempty,gte=0"`
	Complexity *float64 `json:"complexity,omitempty" validate:"omitempty,gte=0"`
	Tags       []string `json:"tags,omitempty" validate:"omitempty,dive,required,max=64"`
	Mood       *float64 `json:"possibleMoodRegardingContext,omitempty" validate:"omitempty,gte=0,lte=100"`
	Meta       *Meta    `json:"meta,omitempty"`
}

type Meta struct {
	Raw string `json:"raw,omitempty"`
}

type AsyncControl struct {
	AudioConvertingToEntryText AudioStatus      `json:"audioConvertingToEntryText,omitempty" validate:"omitempty,oneof=idle processing done error"`
	EnrichmentStatus           EnrichmentStatus `json:"enrichmentStatus,omitempty" validate:"omitempty,oneof=idle queued running done error"`
	EnrichedAt                 int64            `json:"enrichedAt,omitempty" validate:"gte=0,lte=32503680000000"`
	Error                      string           `json:"error,omitempty"`
}

// Text returns the captured text of the entry.
func (e Entry) Text() string { return e.Content.PhaseA.EntryText }

type JobType string

const JobProcessEntry JobType = "processEntry"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a command record: "do Type to EntryID".
type Job struct {
	ID          string          `json:"id" validate:"required,max=128"`
	Type        JobType         `json:"type" validate:"required,oneof=processEntry"`
	EntryID     string          `json:"entryId" validate:"required,max=128"`
	Status      JobStatus       `json:"status" validate:"required,oneof=pending running completed failed"`
	Priority    int             `json:"priority" validate:"min=1,max=5"`
	Attempts    int             `json:"attempts" validate:"gte=0,ltefield=MaxAttempts"`
	MaxAttempts int             `json:"maxAttempts" validate:"min=1"`
	CreatedAt   int64           `json:"createdAt" validate:"gte=0,lte=32503680000000"`
	UpdatedAt   int64           `json:"updatedAt" validate:"gte=0,lte=32503680000000"`
	ScheduledAt *int64          `json:"scheduledAt,omitempty" validate:"omitempty,gte=0,lte=32503680000000"`
	LockedUntil *int64          `json:"lockedUntil,omitempty" validate:"omitempty,gte=0,lte=32503680000000"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EntityRef names the record a log is about.
type EntityRef struct {
	Type string `json:"type" validate:"required,max=64"`
	ID   string `json:"id,omitempty" validate:"omitempty,max=128"`
}

type Source struct {
	App    string `json:"app,omitempty"`
	Module string `json:"module,omitempty"`
}

// Log is an immutable fact. It is never updated after insert; only pruned
// once TTLAfter has passed.
type Log struct {
	ID            string         `json:"id" validate:"required,max=128"`
	CreatedAt     int64          `json:"createdAt" validate:"gte=0"`
	Entity        EntityRef      `json:"entity"`
	Level         Level          `json:"level" validate:"required,oneof=debug info warn error"`
	Event         string         `json:"event" validate:"required,max=128"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	SpanID        string         `json:"spanId,omitempty"`
	ParentSpanID  string         `json:"parentSpanId,omitempty"`
	DurationMs    *int64         `json:"durationMs,omitempty" validate:"omitempty,gte=0"`
	Source        *Source        `json:"source,omitempty"`
	TTLAfter      *int64         `json:"ttlAfter,omitempty" validate:"omitempty,gte=0"`
}
