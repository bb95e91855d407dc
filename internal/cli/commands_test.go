package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/attendsync/internal/config"
	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/ingest"
	"github.com/roach88/attendsync/internal/server"
	"github.com/roach88/attendsync/internal/store"
	"github.com/roach88/attendsync/internal/testutil"
	"github.com/roach88/attendsync/internal/transport"
	"github.com/roach88/attendsync/internal/validate"
)

func tempDB(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), stderr.String(), err
}

// runJSON runs a command with --format json and decodes the data field.
func runJSON(t *testing.T, dst any, args ...string) error {
	t.Helper()
	stdout, _, err := runCLI(t, append(args, "--format", "json")...)
	if err != nil {
		return err
	}
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), "stdout: %s", stdout)
	require.Equal(t, "ok", resp.Status)
	if dst != nil {
		require.NoError(t, json.Unmarshal(resp.Data, dst))
	}
	return nil
}

type ingestServer struct {
	URL     string
	ledger  *store.Ledger
	handler *testutil.RecordingHandler
}

func startIngestServer(t *testing.T) *ingestServer {
	t.Helper()
	ledger, err := store.OpenLedger(tempDB(t, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	v, err := validate.New()
	require.NoError(t, err)

	handler := testutil.NewRecordingHandler()
	srv := server.New(server.Config{}, ingest.New(ledger, v, handler.Registry()), ledger)
	ts := httptest.NewServer(adaptor.FiberApp(srv.App()))
	t.Cleanup(ts.Close)

	return &ingestServer{URL: ts.URL, ledger: ledger, handler: handler}
}

func TestEnqueueAndStatus(t *testing.T) {
	db := tempDB(t, "client.db")

	var queued enqueueResult
	require.NoError(t, runJSON(t, &queued, "enqueue", "student_checkin",
		"--db", db, "--payload", `{"studentId":42,"lessonId":7,"level":"B1"}`))
	assert.NotEmpty(t, queued.ID)
	assert.Equal(t, event.KindStudentCheckin, queued.Kind)
	assert.JSONEq(t, `{"level":"B1","lessonId":7,"studentId":42}`, string(queued.Payload))

	var status statusReport
	require.NoError(t, runJSON(t, &status, "status", "--db", db))
	assert.Equal(t, 1, status.Queued)
	assert.Nil(t, status.LastSuccessfulSyncAt)
	assert.Empty(t, status.FailedEvents)
}

func TestEnqueue_Rejections(t *testing.T) {
	db := tempDB(t, "client.db")

	_, _, err := runCLI(t, "enqueue", "lunch_break", "--db", db, "--payload", `{"staffId":1}`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = runCLI(t, "enqueue", "staff_checkin", "--db", db, "--payload", `[1]`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = runCLI(t, "enqueue", "staff_checkin", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}

func TestSync_Offline(t *testing.T) {
	db := tempDB(t, "client.db")
	require.NoError(t, runJSON(t, nil, "enqueue", "staff_checkin", "--db", db, "--payload", `{"staffId":1}`))

	// Nothing listens on port 1.
	_, _, err := runCLI(t, "sync", "--db", db, "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var status statusReport
	require.NoError(t, runJSON(t, &status, "status", "--db", db))
	assert.Equal(t, 1, status.Queued)
}

func TestSync_DeliversQueue(t *testing.T) {
	srv := startIngestServer(t)
	db := tempDB(t, "client.db")

	var ok enqueueResult
	require.NoError(t, runJSON(t, &ok, "enqueue", "staff_checkin", "--db", db, "--payload", `{"staffId":1}`))
	var bad enqueueResult
	require.NoError(t, runJSON(t, &bad, "enqueue", "staff_checkout", "--db", db, "--payload", `{"staffId":"x"}`))

	var result syncResult
	require.NoError(t, runJSON(t, &result, "sync", "--db", db, "--server", srv.URL))
	assert.Equal(t, 2, result.Selected)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.LocalFailed)
	assert.Zero(t, result.LocalPending)

	assert.Equal(t, 1, srv.handler.Calls(ok.ID))

	var status statusReport
	require.NoError(t, runJSON(t, &status, "status", "--db", db))
	require.NotNil(t, status.LastSuccessfulSyncAt)
	require.Len(t, status.FailedEvents, 1)
	assert.Equal(t, bad.ID, status.FailedEvents[0].ID)
	assert.Equal(t, 1, status.FailedEvents[0].Attempts)
	assert.False(t, status.FailedEvents[0].Exhausted, "validation failures keep their automatic retries")
	assert.False(t, status.FailedEvents[0].Terminal)

	require.NoError(t, runJSON(t, &result, "sync", "--db", db, "--server", srv.URL))
	assert.Equal(t, 1, result.Selected)
	assert.Equal(t, 1, result.Failed)
}

func TestSync_OtherProcessHoldsLease(t *testing.T) {
	srv := startIngestServer(t)
	db := tempDB(t, "client.db")
	var queued enqueueResult
	require.NoError(t, runJSON(t, &queued, "enqueue", "staff_checkin", "--db", db, "--payload", `{"staffId":1}`))

	// Stands in for an agent mid-pass on the same device database.
	agent, err := store.OpenLocal(db)
	require.NoError(t, err)
	defer agent.Close()
	held, err := agent.AcquireLease(t.Context(), "agent", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	_, stderr, err := runCLI(t, "sync", "--db", db, "--server", srv.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stderr, "another process is syncing this device")
	assert.Zero(t, srv.handler.Calls(queued.ID))

	require.NoError(t, agent.ReleaseLease(t.Context(), "agent"))
	var result syncResult
	require.NoError(t, runJSON(t, &result, "sync", "--db", db, "--server", srv.URL))
	assert.Equal(t, 1, result.Synced)
}

func TestRetry(t *testing.T) {
	db := tempDB(t, "client.db")
	st, err := store.OpenLocal(db)
	require.NoError(t, err)

	now := time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC)
	for i, attempts := range []int{3, 3, 1} {
		require.NoError(t, st.Put(t.Context(), event.PendingEvent{
			ID:           []string{"a", "b", "c"}[i],
			Kind:         event.KindStaffCheckin,
			Payload:      json.RawMessage(`{"staffId":1}`),
			CreatedAt:    now,
			Status:       event.StatusFailed,
			AttemptCount: attempts,
			LastError:    "boom",
			UpdatedAt:    now,
		}))
	}
	require.NoError(t, st.Close())

	var one retryResult
	require.NoError(t, runJSON(t, &one, "retry", "a", "--db", db))
	assert.Equal(t, 1, one.Reset)

	var rest retryResult
	require.NoError(t, runJSON(t, &rest, "retry", "--db", db))
	assert.Equal(t, 1, rest.Reset, "only b is still exhausted")

	var status statusReport
	require.NoError(t, runJSON(t, &status, "status", "--db", db))
	assert.Zero(t, status.Exhausted)
	assert.Equal(t, 3, status.Failed)
}

func TestLedgerCommands(t *testing.T) {
	db := tempDB(t, "ledger.db")
	l, err := store.OpenLedger(db)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-90 * 24 * time.Hour).Truncate(time.Millisecond)
	recent := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	entries := []event.LogEntry{
		{ID: "old", EventType: event.KindStaffCheckin, Status: event.LogProcessed, ProcessedAt: &old, CreatedAt: old},
		{ID: "new", EventType: event.KindStaffCheckin, Status: event.LogProcessed, ProcessedAt: &recent, CreatedAt: recent},
		{ID: "bad", EventType: event.KindStaffCheckout, Status: event.LogFailed, ErrorCode: "already_closed", ErrorMessage: "shift already closed", CreatedAt: old},
	}
	for _, e := range entries {
		e.Payload = json.RawMessage(`{"staffId":1}`)
		e.PayloadDigest = event.PayloadDigest(e.EventType, e.Payload)
		e.Attempts = 1
		require.NoError(t, l.Upsert(t.Context(), e))
	}
	require.NoError(t, l.Close())

	stdout, _, err := runCLI(t, "ledger", "get", "bad", "--ledger-db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "bad staff_checkout failed")
	assert.Contains(t, stdout, "error [already_closed]: shift already closed")

	_, _, err = runCLI(t, "ledger", "get", "missing", "--ledger-db", db)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var stats map[string]int
	require.NoError(t, runJSON(t, &stats, "ledger", "stats", "--ledger-db", db))
	assert.Equal(t, map[string]int{"pending": 0, "processed": 2, "failed": 1}, stats)

	var pruned pruneResult
	require.NoError(t, runJSON(t, &pruned, "ledger", "prune", "--older-than", "720h", "--ledger-db", db))
	assert.Equal(t, int64(1), pruned.Removed)

	require.NoError(t, runJSON(t, &stats, "ledger", "stats", "--ledger-db", db))
	assert.Equal(t, map[string]int{"pending": 0, "processed": 1, "failed": 1}, stats)
}

func TestServe(t *testing.T) {
	addrs := make(chan net.Addr, 1)
	cmd := newServeCommand(&ServeOptions{
		RootOptions: &RootOptions{Format: "text", Config: config.Default()},
		OnListen:    func(a net.Addr) { addrs <- a },
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"--addr", "127.0.0.1:0",
		"--ledger-db", tempDB(t, "ledger.db"),
		"--attendance-db", tempDB(t, "attendance.db"),
		"--api-key", "k",
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	client := transport.New("http://"+addr.String(), "k")
	require.NoError(t, client.Ping(t.Context()))

	ev := event.WireEvent{
		ID:        "evt-1",
		Kind:      event.KindStudentCheckin,
		Payload:   json.RawMessage(`{"studentId":42,"lessonId":7,"level":"B1"}`),
		CreatedAt: time.Now().UnixMilli(),
	}
	results, err := client.Submit(t.Context(), []event.WireEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeSuccess, results[0].Status)

	// A second check-in while the session is open is a business rejection.
	ev.ID = "evt-2"
	results, err = client.Submit(t.Context(), []event.WireEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeFailed, results[0].Status)
	assert.Equal(t, string(domain.CodeOpenSession), results[0].Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestAgent(t *testing.T) {
	srv := startIngestServer(t)
	db := tempDB(t, "client.db")
	require.NoError(t, runJSON(t, nil, "enqueue", "staff_checkin", "--db", db, "--payload", `{"staffId":1}`))

	addrs := make(chan net.Addr, 1)
	cmd := newAgentCommand(&AgentOptions{
		RootOptions: &RootOptions{Format: "text", Config: config.Default()},
		OnListen:    func(a net.Addr) { addrs <- a },
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"--db", db,
		"--server", srv.URL,
		"--interval", "50ms",
		"--probe-interval", "10ms",
		"--status-addr", "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("agent exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not start")
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr.String() + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var s event.SyncState
		if json.NewDecoder(resp.Body).Decode(&s) != nil {
			return false
		}
		return s.IsOnline && s.PendingCount == 0 && s.LastSuccessfulSyncAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("agent did not stop")
	}

	var status statusReport
	require.NoError(t, runJSON(t, &status, "status", "--db", db))
	assert.Zero(t, status.Queued+status.Syncing+status.Failed)
	assert.Len(t, srv.handler.Order(), 1)
}
