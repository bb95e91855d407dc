package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/attendsync/internal/event"
)

// Ledger is the server-side event log keyed by event id.
type Ledger struct {
	db *sql.DB
}

// OpenLedger creates or opens the server event log database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := openDB(path, ledgerSchemaSQL, ledgerMigrations)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// DB returns the underlying sql.DB.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Get returns the entry for id or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (event.LogEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, event_type, payload, payload_digest, status, error_code, error_message,
		       attempts, created_at, processed_at
		FROM event_log
		WHERE id = ?
	`, id)

	e, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.LogEntry{}, fmt.Errorf("get log entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return event.LogEntry{}, fmt.Errorf("get log entry %s: %w", id, err)
	}
	return e, nil
}

// Upsert inserts the entry or updates the existing row for its id.
//
// created_at, event_type, payload and payload_digest keep their first
// written values. A row that is already processed is never changed, so a
// late or repeated write cannot undo a recorded side effect.
func (l *Ledger) Upsert(ctx context.Context, e event.LogEntry) error {
	var processedAt any
	if e.ProcessedAt != nil {
		processedAt = e.ProcessedAt.UnixMilli()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO event_log
		(id, event_type, payload, payload_digest, status, error_code, error_message,
		 attempts, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			attempts = excluded.attempts,
			processed_at = excluded.processed_at
		WHERE event_log.status != 'processed'
	`,
		e.ID,
		string(e.EventType),
		string(e.Payload),
		e.PayloadDigest,
		string(e.Status),
		e.ErrorCode,
		e.ErrorMessage,
		e.Attempts,
		e.CreatedAt.UnixMilli(),
		processedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert log entry %s: %w", e.ID, err)
	}
	return nil
}

// CountByStatus returns the number of entries per status. Every status is
// present in the result, zero when no entries have it.
func (l *Ledger) CountByStatus(ctx context.Context) (map[event.LogStatus]int, error) {
	counts := map[event.LogStatus]int{
		event.LogPending:   0,
		event.LogProcessed: 0,
		event.LogFailed:    0,
	}

	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count log entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[event.LogStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// ListByStatus returns up to limit entries with the given status, oldest
// first. A non-positive limit means no limit.
func (l *Ledger) ListByStatus(ctx context.Context, status event.LogStatus, limit int) ([]event.LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, payload, payload_digest, status, error_code, error_message,
		       attempts, created_at, processed_at
		FROM event_log
		WHERE status = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	entries := []event.LogEntry{}
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// Prune deletes processed entries whose processed_at is before cutoff.
// Pending and failed entries are always kept. Returns the rows removed.
//
// Pruning shortens the window in which a re-delivered event is recognised
// as a duplicate, so the cutoff must be older than any device can stay
// offline.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM event_log
		WHERE status = 'processed' AND processed_at IS NOT NULL AND processed_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	return n, nil
}
