package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/attendsync/internal/event"
)

var testEpoch = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func createTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := OpenLocal(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("OpenLocal() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenLedger() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// createTestEvent builds a queued event created offset minutes after testEpoch.
func createTestEvent(id string, offset int) event.PendingEvent {
	at := testEpoch.Add(time.Duration(offset) * time.Minute)
	return event.PendingEvent{
		ID:        id,
		Kind:      event.KindStudentCheckin,
		Payload:   []byte(`{"lessonId":1,"level":"A1","studentId":7}`),
		CreatedAt: at,
		Status:    event.StatusQueued,
		UpdatedAt: at,
	}
}

func createTestLogEntry(id string, status event.LogStatus) event.LogEntry {
	payload := []byte(`{"staffId":3}`)
	return event.LogEntry{
		ID:            id,
		EventType:     event.KindStaffCheckin,
		Payload:       payload,
		PayloadDigest: event.PayloadDigest(event.KindStaffCheckin, payload),
		Status:        status,
		Attempts:      1,
		CreatedAt:     testEpoch,
	}
}

func eventIDs(events []event.PendingEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		names = append(names, name)
	}
	return names
}
