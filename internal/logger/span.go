package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/lifelog-app/lifelog/internal/schema"
)

const (
	EventSpanStarted = "span.started"
	EventSpanEnded   = "span.ended"
	EventSpanError   = "span.error"
)

// Span is an open unit of traced work. End or Error closes it; both write a
// record carrying the elapsed duration.
type Span struct {
	ID      string
	l       *Logger
	init    Input
	started time.Time
}

// StartSpan writes the span's start record and returns its handle. Event
// and Message default to "span.started" and "Started". A SpanID in init is
// kept; otherwise one is generated.
func (l *Logger) StartSpan(ctx context.Context, init Input) *Span {
	if init.SpanID == "" {
		init.SpanID = newSpanID()
	}
	start := init
	if start.Event == "" {
		start.Event = EventSpanStarted
	}
	if start.Message == "" {
		start.Message = "Started"
	}
	l.Emit(ctx, start)
	return &Span{ID: init.SpanID, l: l, init: init, started: l.now()}
}

// Child starts a span whose parent is s, sharing its correlation id.
func (s *Span) Child(ctx context.Context, init Input) *Span {
	init.ParentSpanID = s.ID
	if init.CorrelationID == "" {
		init.CorrelationID = s.init.CorrelationID
	}
	if init.Entity.Type == "" {
		init.Entity = s.init.Entity
	}
	if init.Source == nil {
		init.Source = s.init.Source
	}
	return s.l.StartSpan(ctx, init)
}

// Final customises the closing record written by End.
type Final struct {
	Event   string
	Message string
	Level   schema.Level
	Data    map[string]any
}

// End writes the completion record, "span.ended" / "Completed" unless final
// says otherwise.
func (s *Span) End(ctx context.Context, final Final) {
	rec := s.closing()
	rec.Event = EventSpanEnded
	rec.Message = "Completed"
	rec.Level = schema.LevelInfo
	if final.Event != "" {
		rec.Event = final.Event
	}
	if final.Message != "" {
		rec.Message = final.Message
	}
	if final.Level != "" {
		rec.Level = final.Level
	}
	rec.Data = final.Data
	s.l.Emit(ctx, rec)
}

// Error writes a "span.error" record with the error text, its type and its
// full %+v rendering. extra is merged into the record's data.
func (s *Span) Error(ctx context.Context, err error, extra map[string]any) {
	rec := s.closing()
	rec.Event = EventSpanError
	rec.Level = schema.LevelError
	rec.Message = fmt.Sprint(err)
	data := map[string]any{
		"name":  fmt.Sprintf("%T", err),
		"stack": fmt.Sprintf("%+v", err),
	}
	for k, v := range extra {
		data[k] = v
	}
	rec.Data = data
	s.l.Emit(ctx, rec)
}

func (s *Span) closing() Input {
	d := s.l.now().Sub(s.started).Milliseconds()
	return Input{
		DurationMs:    &d,
		Entity:        s.init.Entity,
		CorrelationID: s.init.CorrelationID,
		SpanID:        s.ID,
		ParentSpanID:  s.init.ParentSpanID,
		Source:        s.init.Source,
		TTL:           s.init.TTL,
	}
}
