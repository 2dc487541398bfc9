// Package hooks runs ordered interceptor chains around collection writes.
//
// Pre hooks run inside the write, in registration order, and may modify the
// document; the first error aborts the write. Post hooks observe the stored
// document once the write has committed. Their errors and panics are logged
// and swallowed so observers can never undo or fail a write.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type Event int

const (
	PreInsert Event = iota
	PostInsert
	PreSave
	PostSave
)

func (e Event) String() string {
	switch e {
	case PreInsert:
		return "preInsert"
	case PostInsert:
		return "postInsert"
	case PreSave:
		return "preSave"
	case PostSave:
		return "postSave"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

func (e Event) pre() bool { return e == PreInsert || e == PreSave }

// Handler is invoked with the document being written. Post handlers get a
// copy; changes they make are discarded.
type Handler[T any] func(ctx context.Context, doc *T) error

type registered[T any] struct {
	name string
	fn   Handler[T]
}

// Chain holds the hooks of one collection.
type Chain[T any] struct {
	collection string
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[Event][]registered[T]
}

// NewChain returns an empty chain. A nil logger means slog.Default().
func NewChain[T any](collection string, logger *slog.Logger) *Chain[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain[T]{
		collection: collection,
		logger:     logger,
		handlers:   make(map[Event][]registered[T]),
	}
}

// On appends h to the handlers for ev.
func (c *Chain[T]) On(ev Event, name string, h Handler[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ev] = append(c.handlers[ev], registered[T]{name: name, fn: h})
}

// Names lists the handlers registered for ev, in run order.
func (c *Chain[T]) Names(ev Event) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers[ev]))
	for _, h := range c.handlers[ev] {
		names = append(names, h.name)
	}
	return names
}

// Len returns how many handlers are registered for ev.
func (c *Chain[T]) Len(ev Event) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[ev])
}

func (c *Chain[T]) snapshot(ev Event) []registered[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]registered[T](nil), c.handlers[ev]...)
}

// RunPre runs the pre hooks for ev against doc and stops at the first error.
func (c *Chain[T]) RunPre(ctx context.Context, ev Event, doc *T) error {
	if !ev.pre() {
		return fmt.Errorf("hooks: %s is not a pre event", ev)
	}
	for _, h := range c.snapshot(ev) {
		if err := h.fn(ctx, doc); err != nil {
			return fmt.Errorf("%s %s hook %q: %w", c.collection, ev, h.name, err)
		}
	}
	return nil
}

// RunPost runs every post hook for ev. It never fails.
func (c *Chain[T]) RunPost(ctx context.Context, ev Event, doc T) {
	if ev.pre() {
		c.logger.Error("post hooks invoked with pre event", "collection", c.collection, "event", ev.String())
		return
	}
	for _, h := range c.snapshot(ev) {
		c.runIsolated(ctx, ev, h, doc)
	}
}

func (c *Chain[T]) runIsolated(ctx context.Context, ev Event, h registered[T], doc T) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("hook panicked",
				"collection", c.collection, "event", ev.String(), "hook", h.name, "panic", r)
		}
	}()
	if err := h.fn(ctx, &doc); err != nil {
		c.logger.Warn("hook failed",
			"collection", c.collection, "event", ev.String(), "hook", h.name, "error", err)
	}
}
