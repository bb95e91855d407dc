// Package queue is the producer-facing entry point of the client: it turns a
// user action into a durable PendingEvent without touching the network.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/attendsync/internal/event"
)

// ErrUnknownKind is returned by Enqueue for a kind the queue does not accept.
var ErrUnknownKind = errors.New("unknown event kind")

// Store persists pending events.
type Store interface {
	Put(ctx context.Context, e event.PendingEvent) error
}

// Notifier is told after every successful enqueue. The sync worker
// implements it to refresh counts and schedule a pass.
type Notifier interface {
	Refresh(ctx context.Context)
}

// Queue records actions for later delivery.
//
// Thread-safety: Enqueue is safe for concurrent use when the Store and
// IDGenerator are.
type Queue struct {
	store    Store
	ids      event.IDGenerator
	clock    event.Clock
	notifier Notifier
	kinds    map[event.Kind]bool
	logger   *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator overrides the UUIDv7 id generator.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithClock overrides the clock used for createdAt.
func WithClock(c event.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithNotifier registers the observer told about new events.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithKinds replaces the accepted kinds. Defaults to event.Kinds.
func WithKinds(kinds ...event.Kind) Option {
	return func(q *Queue) {
		q.kinds = make(map[event.Kind]bool, len(kinds))
		for _, k := range kinds {
			q.kinds[k] = true
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue writing to store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		ids:    event.UUIDv7Generator{},
		clock:  event.SystemClock{},
		logger: slog.Default(),
	}
	WithKinds(event.Kinds...)(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue durably records an action and returns it.
//
// payload may be any JSON-marshalable value or raw JSON ([]byte,
// json.RawMessage, string); it must encode to a JSON object. Errors are
// local programming or storage errors and never depend on connectivity.
func (q *Queue) Enqueue(ctx context.Context, kind event.Kind, payload any) (event.PendingEvent, error) {
	if !q.kinds[kind] {
		return event.PendingEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	canonical, err := event.MarshalPayload(payload)
	if err != nil {
		return event.PendingEvent{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}

	now := q.clock.Now()
	e := event.PendingEvent{
		ID:        q.ids.Generate(),
		Kind:      kind,
		Payload:   canonical,
		CreatedAt: now,
		Status:    event.StatusQueued,
		UpdatedAt: now,
	}
	if err := q.store.Put(ctx, e); err != nil {
		return event.PendingEvent{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}

	q.logger.Debug("event queued", "event_id", e.ID, "kind", kind)

	if q.notifier != nil {
		q.notifier.Refresh(ctx)
	}
	return e, nil
}
