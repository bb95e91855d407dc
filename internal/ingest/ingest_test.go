package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/store"
	"github.com/roach88/attendsync/internal/testutil"
	"github.com/roach88/attendsync/internal/validate"
)

var ingestEpoch = time.Date(2026, 9, 7, 15, 0, 0, 0, time.UTC)

type fixture struct {
	ingestor  *Ingestor
	ledger    *store.Ledger
	handler   *testutil.RecordingHandler
	clock     *testutil.ManualClock
	published *recordingPublisher
}

func createTestIngestor(t *testing.T) *fixture {
	t.Helper()

	ledger, err := store.OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	v, err := validate.New()
	require.NoError(t, err)

	f := &fixture{
		ledger:    ledger,
		handler:   testutil.NewRecordingHandler(),
		clock:     testutil.NewManualClock(ingestEpoch),
		published: &recordingPublisher{},
	}
	f.ingestor = New(ledger, v, f.handler.Registry(), WithClock(f.clock), WithPublisher(f.published))
	return f
}

func staffIn(id string, staff int) event.WireEvent {
	return event.WireEvent{
		ID:        id,
		Kind:      event.KindStaffCheckin,
		Payload:   []byte(fmt.Sprintf(`{"staffId":%d}`, staff)),
		CreatedAt: ingestEpoch.UnixMilli(),
	}
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingPublisher) Publish(_ context.Context, e event.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, e.ID)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func TestProcess_NewEvent(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	resp := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 3)})

	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, []event.EventResult{{ID: "evt-1", Status: event.OutcomeSuccess}}, resp.Results)
	assert.Equal(t, 1, f.handler.Calls("evt-1"))

	entry, err := f.ledger.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.LogProcessed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, event.KindStaffCheckin, entry.EventType)
	require.NotNil(t, entry.ProcessedAt)
	assert.Equal(t, ingestEpoch, *entry.ProcessedAt)

	assert.Equal(t, []string{"evt-1"}, f.published.IDs())
}

func TestProcess_DuplicateSkipsHandler(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	first := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 3)})
	second := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 3)})

	assert.Equal(t, event.OutcomeSuccess, first.Results[0].Status)
	assert.Equal(t, event.OutcomeDuplicate, second.Results[0].Status)
	assert.Equal(t, 1, second.Duplicates)
	assert.True(t, second.Success)
	assert.Equal(t, 1, f.handler.Calls("evt-1"))
	assert.Equal(t, []string{"evt-1"}, f.published.IDs())
}

func TestProcess_DuplicateWithReorderedPayloadKeys(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	a := event.WireEvent{ID: "evt-1", Kind: event.KindStudentCheckin,
		Payload: []byte(`{"studentId":7,"lessonId":2,"level":"A1"}`)}
	b := a
	b.Payload = []byte(`{"level":"A1", "lessonId":2, "studentId":7}`)

	f.ingestor.Process(ctx, []event.WireEvent{a})
	resp := f.ingestor.Process(ctx, []event.WireEvent{b})

	assert.Equal(t, event.OutcomeDuplicate, resp.Results[0].Status)
}

func TestProcess_LostResponseRetry(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	// The client never saw the first response and resends the whole batch.
	batch := []event.WireEvent{staffIn("evt-1", 1), staffIn("evt-2", 2)}
	f.ingestor.Process(ctx, batch)
	resp := f.ingestor.Process(ctx, batch)

	assert.Equal(t, 2, resp.Duplicates)
	assert.Equal(t, 1, f.handler.Calls("evt-1"))
	assert.Equal(t, 1, f.handler.Calls("evt-2"))
}

func TestProcess_PartialBatchFailure(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	f.handler.FailNext("e2", domain.Errorf(domain.CodeOpenSession, "staff 2 already checked in"))

	resp := f.ingestor.Process(ctx, []event.WireEvent{staffIn("e1", 1), staffIn("e2", 2), staffIn("e3", 3)})

	require.Len(t, resp.Results, 3)
	assert.Equal(t, event.OutcomeSuccess, resp.Results[0].Status)
	assert.Equal(t, event.OutcomeFailed, resp.Results[1].Status)
	assert.Equal(t, "staff 2 already checked in", resp.Results[1].Error)
	assert.Equal(t, string(domain.CodeOpenSession), resp.Results[1].Code)
	assert.False(t, resp.Results[1].Retryable)
	assert.Equal(t, event.OutcomeSuccess, resp.Results[2].Status)
	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, 1, resp.Failed)
	assert.False(t, resp.Success)

	entry, err := f.ledger.Get(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, event.LogFailed, entry.Status)
	assert.Equal(t, string(domain.CodeOpenSession), entry.ErrorCode)
}

func TestProcess_FailedEventIsRetried(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	f.handler.FailNext("evt-1", errors.New("database is locked"))

	first := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 1)})
	require.Equal(t, event.OutcomeFailed, first.Results[0].Status)
	assert.Equal(t, string(domain.CodeTransient), first.Results[0].Code)
	assert.True(t, first.Results[0].Retryable)

	second := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 1)})
	assert.Equal(t, event.OutcomeSuccess, second.Results[0].Status)
	assert.Equal(t, 2, f.handler.Calls("evt-1"))

	entry, err := f.ledger.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.LogProcessed, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
	assert.Empty(t, entry.ErrorCode)
}

func TestProcess_ValidationFailure(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	bad := event.WireEvent{ID: "evt-1", Kind: event.KindStaffCheckin, Payload: []byte(`{"staffId":"x"}`)}
	resp := f.ingestor.Process(ctx, []event.WireEvent{bad})

	require.Equal(t, event.OutcomeFailed, resp.Results[0].Status)
	assert.Equal(t, string(domain.CodeValidation), resp.Results[0].Code)
	assert.True(t, resp.Results[0].Retryable)
	assert.False(t, resp.Results[0].Permanent(), "validation failures keep their automatic retries")
	assert.Equal(t, 0, f.handler.Calls("evt-1"))

	entry, err := f.ledger.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.LogFailed, entry.Status)
	assert.Equal(t, string(domain.CodeValidation), entry.ErrorCode)
}

func TestProcess_PayloadNotObject(t *testing.T) {
	f := createTestIngestor(t)

	resp := f.ingestor.Process(context.Background(), []event.WireEvent{
		{ID: "evt-1", Kind: event.KindStaffCheckin, Payload: []byte(`[1]`)},
		{ID: "evt-2", Kind: event.KindStaffCheckin},
	})

	for _, r := range resp.Results {
		assert.Equal(t, event.OutcomeFailed, r.Status, r.ID)
		assert.Equal(t, string(domain.CodeValidation), r.Code, r.ID)
	}
}

func TestProcess_UnknownKind(t *testing.T) {
	f := createTestIngestor(t)

	resp := f.ingestor.Process(context.Background(), []event.WireEvent{
		{ID: "evt-1", Kind: "payroll_run", Payload: []byte(`{}`)},
	})

	assert.Equal(t, string(domain.CodeUnknownKind), resp.Results[0].Code)
}

func TestProcess_NoHandlerForKnownSchema(t *testing.T) {
	f := createTestIngestor(t)
	f.ingestor.handlers = domain.NewRegistry()

	resp := f.ingestor.Process(context.Background(), []event.WireEvent{staffIn("evt-1", 1)})

	assert.Equal(t, string(domain.CodeUnknownKind), resp.Results[0].Code)
}

func TestProcess_MissingID(t *testing.T) {
	f := createTestIngestor(t)

	ev := staffIn("", 1)
	resp := f.ingestor.Process(context.Background(), []event.WireEvent{ev})

	assert.Equal(t, event.OutcomeFailed, resp.Results[0].Status)
	assert.Equal(t, string(domain.CodeValidation), resp.Results[0].Code)
	assert.Empty(t, f.handler.Order())
}

func TestProcess_IDConflict(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()

	f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 1)})
	resp := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 2)})

	require.Equal(t, event.OutcomeFailed, resp.Results[0].Status)
	assert.Equal(t, string(domain.CodeIDConflict), resp.Results[0].Code)
	assert.False(t, resp.Results[0].Retryable)
	assert.Equal(t, 1, f.handler.Calls("evt-1"))

	entry, err := f.ledger.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.LogProcessed, entry.Status, "conflicting delivery leaves the entry untouched")
}

func TestProcess_HandlerPanic(t *testing.T) {
	f := createTestIngestor(t)
	f.ingestor.handlers = domain.NewRegistry()
	f.ingestor.handlers.Register(event.KindStaffCheckin, domain.HandlerFunc(func(context.Context, event.WireEvent) error {
		panic("nil map")
	}))

	resp := f.ingestor.Process(context.Background(), []event.WireEvent{staffIn("evt-1", 1), staffIn("evt-2", 2)})

	require.Len(t, resp.Results, 2)
	assert.Equal(t, string(domain.CodeInternal), resp.Results[0].Code)
	assert.Equal(t, string(domain.CodeInternal), resp.Results[1].Code)
}

type flakyLedger struct {
	Ledger
	getErr    error
	upsertErr func(event.LogEntry) error
}

func (l *flakyLedger) Get(ctx context.Context, id string) (event.LogEntry, error) {
	if l.getErr != nil {
		return event.LogEntry{}, l.getErr
	}
	return l.Ledger.Get(ctx, id)
}

func (l *flakyLedger) Upsert(ctx context.Context, e event.LogEntry) error {
	if l.upsertErr != nil {
		if err := l.upsertErr(e); err != nil {
			return err
		}
	}
	return l.Ledger.Upsert(ctx, e)
}

func TestProcess_LedgerLookupFailure(t *testing.T) {
	f := createTestIngestor(t)
	f.ingestor.ledger = &flakyLedger{Ledger: f.ledger, getErr: errors.New("disk I/O error")}

	resp := f.ingestor.Process(context.Background(), []event.WireEvent{staffIn("evt-1", 1)})

	assert.Equal(t, event.OutcomeFailed, resp.Results[0].Status)
	assert.Equal(t, string(domain.CodeTransient), resp.Results[0].Code)
	assert.True(t, resp.Results[0].Retryable)
	assert.Equal(t, 0, f.handler.Calls("evt-1"), "handler must not run without an idempotency check")
}

func TestProcess_ProcessedWriteFailure(t *testing.T) {
	f := createTestIngestor(t)
	ctx := context.Background()
	f.ingestor.ledger = &flakyLedger{Ledger: f.ledger, upsertErr: func(e event.LogEntry) error {
		if e.Status == event.LogProcessed {
			return errors.New("disk full")
		}
		return nil
	}}

	resp := f.ingestor.Process(ctx, []event.WireEvent{staffIn("evt-1", 1)})

	assert.Equal(t, event.OutcomeFailed, resp.Results[0].Status)
	assert.True(t, resp.Results[0].Retryable)
	assert.Empty(t, f.published.IDs())

	entry, err := f.ledger.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.LogPending, entry.Status)
}

func TestSubmit(t *testing.T) {
	f := createTestIngestor(t)

	results, err := f.ingestor.Submit(context.Background(), []event.WireEvent{staffIn("evt-1", 1)})
	require.NoError(t, err)
	assert.Equal(t, []event.EventResult{{ID: "evt-1", Status: event.OutcomeSuccess}}, results)
}
