// Package worker drains the device's pending events to the server.
//
// A Worker runs one background goroutine that triggers a sync pass on
// startup, on every offline to online transition and on a fixed interval
// while online. At most one pass is in flight at any time; a trigger that
// arrives during a pass is dropped, not queued. Across processes sharing a
// device database the same holds through a lease row in the store.
//
// Pass algorithm:
//
//  1. Offline: return without touching the store.
//  2. Select queued, syncing and failed events with attempts left, oldest
//     first. Syncing events are stragglers from an interrupted pass.
//  3. Nothing selected: record the pass as successful and return.
//  4. Mark the selection syncing and submit it as one batch.
//  5. Request failure: restore every selected event to its prior state.
//  6. Per result: success and duplicate delete the event; failed records
//     the error and counts an attempt. A failure the server marks as not
//     retryable is also flagged terminal and waits for an operator.
//  7. Going offline cancels the request and stops step 6. The last
//     successful sync time only moves when the pass completes.
//  8. Recompute counts and publish the new SyncState.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/attendsync/internal/connectivity"
	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/store"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 30 * time.Second

// DefaultLeaseTTL bounds how long a crashed process can keep other
// processes from syncing the same device database.
const DefaultLeaseTTL = 2 * time.Minute

var (
	// ErrPassInFlight is returned by SyncNow while another pass runs, in
	// this process or in another one holding the device's sync lease.
	ErrPassInFlight = errors.New("sync pass already in progress")

	// ErrOffline is returned when a pass is skipped or aborted because the
	// device is offline.
	ErrOffline = errors.New("device is offline")
)

// Store is the device-local persistence the worker needs.
type Store interface {
	GetAll(ctx context.Context, f store.Filter) ([]event.PendingEvent, error)
	MarkSyncing(ctx context.Context, ids []string, at time.Time) error
	MarkFailed(ctx context.Context, id, lastError string, attempts int, terminal bool, at time.Time) error
	Restore(ctx context.Context, events []event.PendingEvent, at time.Time) error
	Delete(ctx context.Context, id string) error
	ResetAttempts(ctx context.Context, maxAttempts int, at time.Time, ids ...string) (int, error)
	Counts(ctx context.Context, maxAttempts int) (store.Counts, error)
	Metadata(ctx context.Context) (event.SyncMetadata, bool, error)
	SetMetadata(ctx context.Context, meta event.SyncMetadata) error
	AcquireLease(ctx context.Context, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}

// Submitter delivers a batch to the ingestion endpoint. An error means
// the batch as a whole was not answered.
type Submitter interface {
	Submit(ctx context.Context, events []event.WireEvent) ([]event.EventResult, error)
}

// Config configures a Worker.
type Config struct {
	// Interval between periodic passes. Zero means DefaultInterval.
	Interval time.Duration

	// MaxAttempts bounds automatic retries of failed events.
	// Zero means event.MaxRetryAttempts.
	MaxAttempts int

	// LeaseTTL is how long a pass holds the device's sync lease.
	// Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// PassReport summarizes one sync pass.
type PassReport struct {
	Selected   int `json:"selected"`
	Synced     int `json:"synced"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
	// Unanswered events stay syncing and are selected again next pass.
	Unanswered int `json:"unanswered"`
}

// Worker is the client-side sync engine. Build one per process with New.
//
// Thread-safety: all methods are safe for concurrent use.
type Worker struct {
	cfg       Config
	store     Store
	submitter Submitter
	monitor   connectivity.Monitor
	clock     event.Clock
	logger    *slog.Logger
	states    *Broadcaster
	owner     string

	inPass atomic.Bool
	wg     sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the clock used for store timestamps.
func WithClock(c event.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithBroadcaster publishes states through b instead of a private one.
func WithBroadcaster(b *Broadcaster) Option {
	return func(w *Worker) { w.states = b }
}

// New creates a stopped Worker.
func New(cfg Config, st Store, submitter Submitter, monitor connectivity.Monitor, opts ...Option) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = event.MaxRetryAttempts
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}

	w := &Worker{
		cfg:       cfg,
		store:     st,
		submitter: submitter,
		monitor:   monitor,
		clock:     event.SystemClock{},
		logger:    slog.Default(),
		owner:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.states == nil {
		w.states = NewBroadcaster()
	}
	return w
}

// Start launches the background loop. It returns immediately; calling it
// on a running worker does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	changes, unsubscribe := w.monitor.Subscribe()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer unsubscribe()
		w.loop(ctx, changes)
	}()
}

// Stop ends the background loop, cancels any pass in flight and waits for
// it to unwind.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, changes <-chan bool) {
	w.Refresh(ctx)
	w.Trigger(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Trigger(ctx)
		case online, ok := <-changes:
			if !ok {
				return
			}
			w.logger.Info("connectivity changed", "online", online)
			w.Refresh(ctx)
			if online {
				w.Trigger(ctx)
			}
		}
	}
}

// Trigger starts a pass in the background. It returns false without doing
// anything when offline or when a pass is already running.
func (w *Worker) Trigger(ctx context.Context) bool {
	if ctx.Err() != nil || !w.monitor.Online() {
		return false
	}
	if !w.inPass.CompareAndSwap(false, true) {
		w.logger.Debug("sync pass skipped, one is in flight")
		return false
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_, err := w.runPass(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrPassInFlight):
			w.logger.Info("sync pass skipped, another process holds the lease")
		default:
			w.logger.Warn("sync pass failed", "error", err)
		}
	}()
	return true
}

// SyncNow runs a pass on the calling goroutine and reports its outcome.
func (w *Worker) SyncNow(ctx context.Context) (PassReport, error) {
	if !w.monitor.Online() {
		return PassReport{}, ErrOffline
	}
	if !w.inPass.CompareAndSwap(false, true) {
		return PassReport{}, ErrPassInFlight
	}
	return w.runPass(ctx)
}

// Refresh recomputes the derived counts from the store and publishes the
// resulting state. The queue calls it after every enqueue.
func (w *Worker) Refresh(ctx context.Context) {
	counts, err := w.store.Counts(ctx, w.cfg.MaxAttempts)
	if err != nil {
		w.logger.Error("count pending events", "error", err)
		return
	}
	meta, ok, err := w.store.Metadata(ctx)
	if err != nil {
		w.logger.Error("read sync metadata", "error", err)
		return
	}

	s := event.SyncState{
		IsOnline:     w.monitor.Online(),
		IsSyncing:    w.inPass.Load(),
		PendingCount: counts.Pending(),
		FailedCount:  counts.Failed,
	}
	if ok {
		at := meta.LastSuccessfulSyncAt
		s.LastSuccessfulSyncAt = &at
	}
	w.states.Publish(s)
}

// Retry gives exhausted failed events a fresh set of automatic attempts:
// the named ones, or all exhausted events when ids is empty. The next pass
// picks them up.
func (w *Worker) Retry(ctx context.Context, ids ...string) (int, error) {
	n, err := w.store.ResetAttempts(ctx, w.cfg.MaxAttempts, w.clock.Now(), ids...)
	if err != nil {
		return 0, err
	}
	w.logger.Info("failed events reset for retry", "count", n)
	w.Refresh(ctx)
	return n, nil
}

// State returns the last published SyncState.
func (w *Worker) State() event.SyncState {
	s, _ := w.states.Latest()
	return s
}

// Subscribe returns a feed of SyncState changes; see Broadcaster.Subscribe.
func (w *Worker) Subscribe() (<-chan event.SyncState, func()) {
	return w.states.Subscribe()
}

// runPass executes one pass. The caller must hold the inPass guard.
func (w *Worker) runPass(ctx context.Context) (report PassReport, err error) {
	start := time.Now()
	defer func() {
		w.inPass.Store(false)
		w.Refresh(context.WithoutCancel(ctx))
		w.logger.Info("sync pass finished",
			"selected", report.Selected,
			"synced", report.Synced,
			"duplicates", report.Duplicates,
			"failed", report.Failed,
			"unanswered", report.Unanswered,
			"duration", time.Since(start),
			"error", err,
		)
	}()
	w.Refresh(ctx)

	passCtx, wentOffline, release := w.watchConnectivity(ctx)
	defer release()

	if !w.monitor.Online() {
		return report, ErrOffline
	}

	held, err := w.store.AcquireLease(passCtx, w.owner, w.clock.Now(), w.cfg.LeaseTTL)
	if err != nil {
		return report, abortErr(wentOffline, err)
	}
	if !held {
		return report, ErrPassInFlight
	}
	defer func() {
		if err := w.store.ReleaseLease(context.WithoutCancel(ctx), w.owner); err != nil {
			w.logger.Error("release sync lease", "error", err)
		}
	}()

	events, err := w.store.GetAll(passCtx, store.RetryCandidates(w.cfg.MaxAttempts))
	if err != nil {
		return report, abortErr(wentOffline, fmt.Errorf("select events: %w", err))
	}
	report.Selected = len(events)

	if len(events) == 0 {
		return report, w.completePass(ctx)
	}

	ids := make([]string, len(events))
	batch := make([]event.WireEvent, len(events))
	for i, e := range events {
		ids[i] = e.ID
		batch[i] = e.Wire()
	}
	if err := w.store.MarkSyncing(passCtx, ids, w.clock.Now()); err != nil {
		return report, abortErr(wentOffline, fmt.Errorf("mark syncing: %w", err))
	}

	results, err := w.submitter.Submit(passCtx, batch)
	if err != nil {
		if rerr := w.store.Restore(context.WithoutCancel(ctx), events, w.clock.Now()); rerr != nil {
			w.logger.Error("restore events after failed submit", "error", rerr)
		}
		return report, abortErr(wentOffline, fmt.Errorf("submit batch: %w", err))
	}

	selected := make(map[string]event.PendingEvent, len(events))
	for _, e := range events {
		selected[e.ID] = e
	}

	for _, res := range results {
		if passCtx.Err() != nil {
			break
		}
		e, ok := selected[res.ID]
		if !ok {
			continue
		}
		delete(selected, res.ID)

		if err := w.reconcile(ctx, e, res, &report); err != nil {
			return report, err
		}
	}
	report.Unanswered = len(selected)

	if err := passCtx.Err(); err != nil {
		return report, abortErr(wentOffline, err)
	}
	return report, w.completePass(ctx)
}

// reconcile applies one server result to the local store.
func (w *Worker) reconcile(ctx context.Context, e event.PendingEvent, res event.EventResult, report *PassReport) error {
	switch res.Status {
	case event.OutcomeSuccess, event.OutcomeDuplicate:
		if err := w.store.Delete(ctx, e.ID); err != nil {
			return err
		}
		if res.Status == event.OutcomeDuplicate {
			report.Duplicates++
		} else {
			report.Synced++
		}
		return nil
	}

	attempts := e.AttemptCount + 1
	terminal := res.Permanent()
	msg := res.Error
	if msg == "" {
		msg = fmt.Sprintf("server reported %s", res.Status)
	}
	if err := w.store.MarkFailed(ctx, e.ID, msg, attempts, terminal, w.clock.Now()); err != nil {
		return err
	}
	report.Failed++

	w.logger.Warn("event rejected by server",
		"event_id", e.ID,
		"kind", e.Kind,
		"code", res.Code,
		"attempts", attempts,
		"terminal", terminal,
		"error", msg,
	)
	return nil
}

func (w *Worker) completePass(ctx context.Context) error {
	meta := event.SyncMetadata{LastSuccessfulSyncAt: w.clock.Now()}
	if err := w.store.SetMetadata(ctx, meta); err != nil {
		return fmt.Errorf("record sync time: %w", err)
	}
	return nil
}

// abortErr reports ErrOffline in place of err when the pass was cut short
// by a connectivity loss.
func abortErr(wentOffline func() bool, err error) error {
	if wentOffline() {
		return ErrOffline
	}
	return err
}

// watchConnectivity derives a context that is cancelled when the device
// goes offline. release must be called when the pass ends.
//
// A pass only runs while online and transitions are latest-wins, so a
// received true can hide a drop that already recovered. Any transition
// seen during the pass therefore aborts it.
func (w *Worker) watchConnectivity(ctx context.Context) (context.Context, func() bool, func()) {
	passCtx, cancel := context.WithCancel(ctx)
	changes, unsubscribe := w.monitor.Subscribe()

	var offline atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-passCtx.Done():
		case _, ok := <-changes:
			if ok {
				offline.Store(true)
				cancel()
			}
		}
	}()

	release := func() {
		cancel()
		unsubscribe()
		<-done
	}
	return passCtx, offline.Load, release
}
