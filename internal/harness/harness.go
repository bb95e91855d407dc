package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/attendsync/internal/attendance"
	"github.com/roach88/attendsync/internal/connectivity"
	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/ingest"
	"github.com/roach88/attendsync/internal/queue"
	"github.com/roach88/attendsync/internal/store"
	"github.com/roach88/attendsync/internal/testutil"
	"github.com/roach88/attendsync/internal/validate"
	"github.com/roach88/attendsync/internal/worker"
)

// Epoch is the clock reading every scenario starts at.
var Epoch = time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC)

// IDPrefix prefixes the sequential event ids scenarios refer to.
const IDPrefix = "evt"

const (
	errOffline = "offline"
	errRequest = "request"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every sync expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace has one line per step followed by a snapshot of the final
	// device and server state. It is deterministic for a given scenario.
	Trace []string `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []string{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

func (r *Result) trace(format string, args ...any) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}

// rig is one device and one server wired through a fault-injecting
// loopback network, all on a manual clock.
type rig struct {
	clock   *testutil.ManualClock
	monitor *connectivity.Manual
	local   *store.LocalStore
	ledger  *store.Ledger
	handler *testutil.RecordingHandler
	network *loopback
	queue   *queue.Queue
	worker  *worker.Worker
	closers []func() error
}

// Run executes a scenario in a fresh rig whose databases live in dir.
func Run(ctx context.Context, scenario *Scenario, dir string) (*Result, error) {
	r, err := newRig(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer r.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := r.step(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := r.snapshot(ctx, result); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, msg := range EvaluateAssertions(ctx, r, scenario.Assertions) {
		result.AddError("%s", msg)
	}
	return result, nil
}

func newRig(scenario *Scenario, dir string) (_ *rig, err error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios

	online := true
	if scenario.Online != nil {
		online = *scenario.Online
	}

	r := &rig{
		clock:   testutil.NewManualClock(Epoch),
		monitor: connectivity.NewManual(online),
		handler: testutil.NewRecordingHandler(),
	}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	if r.local, err = store.OpenLocal(filepath.Join(dir, "device.db")); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.local.Close)

	if r.ledger, err = store.OpenLedger(filepath.Join(dir, "ledger.db")); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.ledger.Close)

	base := domain.NewRegistry()
	switch scenario.Domain {
	case DomainAttendance:
		att, err := attendance.Open(filepath.Join(dir, "attendance.db"))
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, att.Close)
		att.Register(base)
	default:
		accept := domain.HandlerFunc(func(context.Context, event.WireEvent) error { return nil })
		for _, k := range event.Kinds {
			base.Register(k, accept)
		}
	}

	validator, err := validate.New()
	if err != nil {
		return nil, err
	}

	ingestor := ingest.New(r.ledger, validator, r.scripted(base),
		ingest.WithClock(r.clock),
		ingest.WithLogger(logger),
	)
	r.network = newLoopback(ingestor, r.monitor)

	r.worker = worker.New(worker.Config{}, r.local, r.network, r.monitor,
		worker.WithClock(r.clock),
		worker.WithLogger(logger),
	)
	r.queue = queue.New(r.local,
		queue.WithIDGenerator(event.NewSequenceGenerator(IDPrefix)),
		queue.WithClock(r.clock),
		queue.WithNotifier(r.worker),
		queue.WithLogger(logger),
	)
	return r, nil
}

// scripted puts the recording handler in front of every handler in base,
// so scenarios can count calls and inject rejections.
func (r *rig) scripted(base *domain.Registry) *domain.Registry {
	reg := domain.NewRegistry()
	for _, kind := range base.Kinds() {
		h, _ := base.Lookup(kind)
		reg.Register(kind, domain.HandlerFunc(func(ctx context.Context, ev event.WireEvent) error {
			if err := r.handler.Handle(ctx, ev); err != nil {
				return err
			}
			return h.Handle(ctx, ev)
		}))
	}
	return reg
}

func (r *rig) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func (r *rig) step(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Enqueue != nil:
		e, err := r.queue.Enqueue(ctx, step.Enqueue.Kind, step.Enqueue.Payload)
		if err != nil {
			return err
		}
		result.trace("enqueue %s %s %s", e.ID, e.Kind, e.Payload)

	case step.Online != nil:
		r.monitor.SetOnline(*step.Online)
		result.trace("online %t", *step.Online)

	case step.Sync != nil:
		report, err := r.worker.SyncNow(ctx)
		outcome := ""
		switch {
		case errors.Is(err, worker.ErrOffline):
			outcome = errOffline
		case err != nil:
			outcome = errRequest
		}

		line := fmt.Sprintf("sync selected=%d synced=%d duplicates=%d failed=%d unanswered=%d",
			report.Selected, report.Synced, report.Duplicates, report.Failed, report.Unanswered)
		if outcome != "" {
			line += " error=" + outcome
		}
		result.trace("%s", line)

		if exp := step.Sync.Expect; exp != nil {
			checkReport(result, i, report, outcome, exp)
		}

	case step.Fault != nil:
		times := max(step.Fault.Times, 1)
		r.network.arm(step.Fault.Mode, times)
		result.trace("fault %s x%d", step.Fault.Mode, times)

	case step.Reject != nil:
		times := max(step.Reject.Times, 1)
		errs := make([]error, times)
		for j := range errs {
			errs[j] = domain.Errorf(step.Reject.Code, "scripted %s", step.Reject.Code)
		}
		r.handler.FailNext(step.Reject.ID, errs...)
		result.trace("reject %s %s x%d", step.Reject.ID, step.Reject.Code, times)

	case step.Retry != nil:
		n, err := r.worker.Retry(ctx, step.Retry.IDs...)
		if err != nil {
			return err
		}
		result.trace("retry reset=%d", n)

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		result.trace("advance %s", d)
	}
	return nil
}

func checkReport(result *Result, i int, got worker.PassReport, outcome string, exp *SyncExpect) {
	fields := []struct {
		name string
		want *int
		got  int
	}{
		{"selected", exp.Selected, got.Selected},
		{"synced", exp.Synced, got.Synced},
		{"duplicates", exp.Duplicates, got.Duplicates},
		{"failed", exp.Failed, got.Failed},
		{"unanswered", exp.Unanswered, got.Unanswered},
	}
	for _, f := range fields {
		if f.want != nil && *f.want != f.got {
			result.AddError("steps[%d]: sync %s = %d, want %d", i, f.name, f.got, *f.want)
		}
	}
	if outcome != exp.Error {
		result.AddError("steps[%d]: sync error = %q, want %q", i, outcome, exp.Error)
	}
}

// snapshot appends the final device and server state to the trace.
func (r *rig) snapshot(ctx context.Context, result *Result) error {
	result.trace("device")
	events, err := r.local.GetAll(ctx, store.Filter{})
	if err != nil {
		return err
	}
	for _, e := range events {
		line := fmt.Sprintf("  %s %s attempts=%d", e.ID, e.Status, e.AttemptCount)
		if e.Terminal {
			line += " terminal"
		}
		if e.LastError != "" {
			line += fmt.Sprintf(" error=%q", e.LastError)
		}
		result.trace("%s", line)
	}

	r.worker.Refresh(ctx)
	s := r.worker.State()
	last := "never"
	if s.LastSuccessfulSyncAt != nil {
		last = s.LastSuccessfulSyncAt.UTC().Format(time.RFC3339)
	}
	result.trace("  state online=%t pending=%d failed=%d last_sync=%s",
		s.IsOnline, s.PendingCount, s.FailedCount, last)

	result.trace("server")
	handled := "  handled"
	for _, id := range r.handler.Order() {
		handled += " " + id
	}
	result.trace("%s", handled)

	entries, err := r.ledgerEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("  ledger %s %s attempts=%d", e.ID, e.Status, e.Attempts)
		if e.ErrorCode != "" {
			line += " code=" + e.ErrorCode
		}
		result.trace("%s", line)
	}
	return nil
}

func (r *rig) ledgerEntries(ctx context.Context) ([]event.LogEntry, error) {
	var all []event.LogEntry
	for _, status := range []event.LogStatus{event.LogPending, event.LogProcessed, event.LogFailed} {
		entries, err := r.ledger.ListByStatus(ctx, status, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}
