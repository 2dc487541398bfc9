// Package feed implements subscribable queries over committed writes.
//
// A Query's subscription first replays the current matching set and then
// pushes every later matching insert or update, in publish order, until it
// is cancelled. Only writes made through this process are observed.
package feed

import (
	"context"
	"sync"
)

type Op string

const (
	OpReplay Op = "replay"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

type Change[T any] struct {
	Op  Op
	Doc T
}

// Hub fans committed writes of one document type out to subscribers.
// Publish never blocks on a slow subscriber.
type Hub[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*Subscription[T]
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*Subscription[T])}
}

// Publish queues c for every subscriber whose filter matches.
func (h *Hub[T]) Publish(op Op, doc T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.match == nil || s.match(doc) {
			s.enqueue(Change[T]{Op: op, Doc: doc})
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub[T]) add(s *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	s.id = h.next
	h.subs[s.id] = s
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Query is a reusable description of a live result set: load returns the
// current matches, match decides whether a later write belongs to it.
type Query[T any] struct {
	hub   *Hub[T]
	load  func(ctx context.Context) ([]T, error)
	match func(T) bool
}

// NewQuery builds a query on hub. A nil match accepts every write.
func NewQuery[T any](hub *Hub[T], load func(ctx context.Context) ([]T, error), match func(T) bool) *Query[T] {
	return &Query[T]{hub: hub, load: load, match: match}
}

// Subscription is one live delivery. Cancel is safe to call more than once.
type Subscription[T any] struct {
	id    uint64
	hub   *Hub[T]
	match func(T) bool
	fn    func(Change[T])

	mu      sync.Mutex
	pending []Change[T]
	wake    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Subscribe registers fn and starts delivery. fn runs on a dedicated
// goroutine, one change at a time. Delivery ends when ctx is done or Cancel
// is called. The load error, if any, is returned and nothing is delivered.
func (q *Query[T]) Subscribe(ctx context.Context, fn func(Change[T])) (*Subscription[T], error) {
	s := &Subscription[T]{
		hub:   q.hub,
		match: q.match,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	// Register before loading so no write between the load and the first
	// delivery is lost.
	q.hub.add(s)

	current, err := q.load(ctx)
	if err != nil {
		q.hub.remove(s.id)
		close(s.done)
		return nil, err
	}

	replay := make([]Change[T], 0, len(current))
	for _, d := range current {
		replay = append(replay, Change[T]{Op: OpReplay, Doc: d})
	}
	s.mu.Lock()
	s.pending = append(replay, s.pending...)
	s.mu.Unlock()
	s.signal()

	go s.run(ctx)
	return s, nil
}

// Cancel stops delivery and unregisters the subscription.
func (s *Subscription[T]) Cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once delivery has stopped.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) enqueue(c Change[T]) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) run(ctx context.Context) {
	defer close(s.done)
	defer s.hub.remove(s.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			default:
			}
			s.fn(c)
		}
	}
}
