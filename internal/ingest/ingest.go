// Package ingest applies batches of client events exactly once in effect.
//
// Each event id is looked up in the event log before anything else. An id
// already recorded as processed is answered with "duplicate" and never
// reaches a domain handler again; every other event is validated, handed to
// the handler registered for its kind, and its outcome written back to the
// log. Events within a batch are independent: one failure never affects
// the others.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/notify"
	"github.com/roach88/attendsync/internal/store"
)

// Ledger is the event log as seen by ingestion. Get returns an error
// matching store.ErrNotFound for unknown ids.
type Ledger interface {
	Get(ctx context.Context, id string) (event.LogEntry, error)
	Upsert(ctx context.Context, entry event.LogEntry) error
}

// Validator checks a payload against its kind's schema.
type Validator interface {
	Validate(kind event.Kind, payload []byte) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(kind event.Kind, payload []byte) error

// Validate calls f.
func (f ValidatorFunc) Validate(kind event.Kind, payload []byte) error {
	return f(kind, payload)
}

// Ingestor processes ingestion requests.
type Ingestor struct {
	ledger    Ledger
	validator Validator
	handlers  *domain.Registry
	publisher notify.Publisher
	clock     event.Clock
	logger    *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithPublisher announces processed events through p.
func WithPublisher(p notify.Publisher) Option {
	return func(in *Ingestor) { in.publisher = p }
}

// WithClock overrides the clock used for processed_at and created_at.
func WithClock(c event.Clock) Option {
	return func(in *Ingestor) { in.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Ingestor) { in.logger = l }
}

// New creates an Ingestor.
func New(ledger Ledger, validator Validator, handlers *domain.Registry, opts ...Option) *Ingestor {
	in := &Ingestor{
		ledger:    ledger,
		validator: validator,
		handlers:  handlers,
		publisher: notify.Nop{},
		clock:     event.SystemClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Process handles events in order and reports one result per event.
// It never fails as a whole; infrastructure errors surface as retryable
// per-event failures.
func (in *Ingestor) Process(ctx context.Context, events []event.WireEvent) event.IngestResponse {
	results := make([]event.EventResult, 0, len(events))
	for _, ev := range events {
		res := in.processOne(ctx, ev)
		in.logger.Debug("event ingested",
			"event_id", ev.ID,
			"kind", ev.Kind,
			"status", res.Status,
			"code", res.Code,
		)
		results = append(results, res)
	}

	resp := event.Tally(results)
	in.logger.Info("batch ingested",
		"events", len(events),
		"processed", resp.Processed,
		"duplicates", resp.Duplicates,
		"failed", resp.Failed,
	)
	return resp
}

// Submit processes events in-process. It lets an Ingestor stand in for the
// HTTP transport when client and server share a process.
func (in *Ingestor) Submit(ctx context.Context, events []event.WireEvent) ([]event.EventResult, error) {
	return in.Process(ctx, events).Results, nil
}

func (in *Ingestor) processOne(ctx context.Context, ev event.WireEvent) event.EventResult {
	if ev.ID == "" {
		return failure(ev, domain.Errorf(domain.CodeValidation, "event id is required"))
	}

	canonical, canonErr := event.CanonicalPayload(ev.Payload)
	if canonErr != nil {
		canonical = ev.Payload
	}
	digest := event.PayloadDigest(ev.Kind, canonical)

	existing, err := in.ledger.Get(ctx, ev.ID)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		in.logger.Error("event log lookup failed", "event_id", ev.ID, "error", err)
		return failure(ev, domain.Wrap(domain.CodeTransient, "event log unavailable", err))
	}

	if found && existing.PayloadDigest != digest {
		in.logger.Warn("event id reused with a different payload",
			"event_id", ev.ID, "kind", ev.Kind, "logged_kind", existing.EventType)
		return failure(ev, domain.Errorf(domain.CodeIDConflict,
			"event %s was already received with a different payload", ev.ID))
	}
	if found && existing.Status == event.LogProcessed {
		return event.EventResult{ID: ev.ID, Status: event.OutcomeDuplicate}
	}

	entry := existing
	if !found {
		entry = event.LogEntry{
			ID:            ev.ID,
			EventType:     ev.Kind,
			Payload:       canonical,
			PayloadDigest: digest,
			CreatedAt:     in.clock.Now(),
		}
	}
	entry.Attempts++

	if canonErr != nil {
		return in.reject(ctx, entry, ev, domain.Wrap(domain.CodeValidation, "payload is not a JSON object", canonErr))
	}
	if err := in.validator.Validate(ev.Kind, canonical); err != nil {
		return in.reject(ctx, entry, ev, err)
	}
	handler, ok := in.handlers.Lookup(ev.Kind)
	if !ok {
		return in.reject(ctx, entry, ev, domain.Errorf(domain.CodeUnknownKind, "no handler for kind %q", ev.Kind))
	}

	entry.Status = event.LogPending
	entry.ErrorCode, entry.ErrorMessage = "", ""
	if err := in.ledger.Upsert(ctx, entry); err != nil {
		in.logger.Error("event log write failed", "event_id", ev.ID, "error", err)
		return failure(ev, domain.Wrap(domain.CodeTransient, "event log unavailable", err))
	}

	applied := ev
	applied.Payload = canonical
	if err := invoke(ctx, handler, applied); err != nil {
		return in.reject(ctx, entry, ev, err)
	}

	processedAt := in.clock.Now()
	entry.Status = event.LogProcessed
	entry.ProcessedAt = &processedAt
	if err := in.ledger.Upsert(ctx, entry); err != nil {
		// The handler ran; the entry stays pending and a redelivery will
		// invoke the handler again.
		in.logger.Error("event applied but not recorded as processed",
			"event_id", ev.ID, "kind", ev.Kind, "error", err)
		return failure(ev, domain.Wrap(domain.CodeTransient, "event log unavailable", err))
	}

	if err := in.publisher.Publish(ctx, entry); err != nil {
		in.logger.Warn("publish processed event failed", "event_id", ev.ID, "error", err)
	}
	return event.EventResult{ID: ev.ID, Status: event.OutcomeSuccess}
}

// reject records a failed attempt and builds the failure result.
func (in *Ingestor) reject(ctx context.Context, entry event.LogEntry, ev event.WireEvent, cause error) event.EventResult {
	res := failure(ev, cause)

	entry.Status = event.LogFailed
	entry.ErrorCode = res.Code
	entry.ErrorMessage = res.Error
	if err := in.ledger.Upsert(ctx, entry); err != nil {
		in.logger.Error("event log write failed", "event_id", ev.ID, "error", err)
	}
	return res
}

// invoke runs a handler, converting a panic into an internal error.
func invoke(ctx context.Context, h domain.Handler, ev event.WireEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Errorf(domain.CodeInternal, "handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

func failure(ev event.WireEvent, err error) event.EventResult {
	code := domain.Classify(err)
	return event.EventResult{
		ID:        ev.ID,
		Status:    event.OutcomeFailed,
		Error:     message(err),
		Code:      string(code),
		Retryable: code.Retryable(),
	}
}

func message(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		if de.Err != nil {
			return fmt.Sprintf("%s: %v", de.Message, de.Err)
		}
		return de.Message
	}
	return err.Error()
}
