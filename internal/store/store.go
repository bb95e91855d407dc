package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_local.sql
var localSchemaSQL string

//go:embed schema_ledger.sql
var ledgerSchemaSQL string

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// migration upgrades a database from version-1 to version.
type migration struct {
	version int
	apply   func(*sql.DB) error
}

// Local schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added status index on pending_events
// 2 - Added terminal flag for failures that wait for an operator
// 3 - Added sync_lease so one process at a time runs a sync pass
var localMigrations = []migration{
	{1, execMigration(`CREATE INDEX IF NOT EXISTS idx_pending_events_status ON pending_events(status, attempt_count)`)},
	{2, execMigration(`ALTER TABLE pending_events ADD COLUMN terminal INTEGER NOT NULL DEFAULT 0`)},
	{3, execMigration(`CREATE TABLE IF NOT EXISTS sync_lease (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		owner      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)},
}

// Ledger schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added status index on event_log for alerting queries
var ledgerMigrations = []migration{
	{1, execMigration(`CREATE INDEX IF NOT EXISTS idx_event_log_status ON event_log(status)`)},
}

// openDB creates or opens a SQLite database at path, applies the pragmas,
// the schema and any pending migrations.
//
// Idempotent: safe to call on an existing database.
func openDB(path, schema string, migrations []migration) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// runMigrations applies migrations newer than user_version in order.
func runMigrations(db *sql.DB, migrations []migration) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		version = m.version
	}
	return nil
}

func execMigration(stmt string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		_, err := db.Exec(stmt)
		return err
	}
}

func schemaVersion(migrations []migration) int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].version
}
