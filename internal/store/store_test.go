package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLocal_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	s, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("OpenLocal() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		s, err := OpenLocal(filepath.Join(dir, "client.db"))
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())

		l, err := OpenLedger(filepath.Join(dir, "ledger.db"))
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, l.Close())
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := OpenLocal(filepath.Join(t.TempDir(), "missing", "dir", "client.db"))
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	assert.NoError(t, (&LocalStore{}).Close())
	assert.NoError(t, (&Ledger{}).Close())
}

func TestPragmas(t *testing.T) {
	s := createTestLocalStore(t)

	tests := []struct {
		pragma   string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var value string
			require.NoError(t, s.db.QueryRow("PRAGMA "+tt.pragma).Scan(&value))
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestLocalStore(t)
	l := createTestLedger(t)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion(localMigrations), version)

	require.NoError(t, l.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion(ledgerMigrations), version)
}

func TestMigration_StatusIndexes(t *testing.T) {
	s := createTestLocalStore(t)
	l := createTestLedger(t)

	assert.Contains(t, getTableIndexes(t, s.db, "pending_events"), "idx_pending_events_status")
	assert.Contains(t, getTableIndexes(t, l.db, "event_log"), "idx_event_log_status")
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	// Schema without migrations simulates a database from before v1.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(ledgerSchemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	l, err := OpenLedger(path)
	require.NoError(t, err)
	defer l.Close()

	var version int
	require.NoError(t, l.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version)
	assert.Contains(t, getTableIndexes(t, l.db, "event_log"), "idx_event_log_status")
}

func TestMigration_LocalUpgradeFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	// A v1 device database holding a failed event from before the terminal flag.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(localSchemaSQL)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO pending_events (id, kind, payload, created_at, status, attempt_count, last_error, updated_at)
		VALUES ('old', 'staff_checkin', '{"staffId":1}', 0, 'failed', 1, 'boom', 0)
	`)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenLocal(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion(localMigrations), version)

	got, err := s.Get(t.Context(), "old")
	require.NoError(t, err)
	assert.False(t, got.Terminal)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSchema_RejectsUnknownStatus(t *testing.T) {
	s := createTestLocalStore(t)

	e := createTestEvent("evt-1", 0)
	e.Status = "archived"
	assert.Error(t, s.Put(t.Context(), e))
}
