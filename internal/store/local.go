package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/attendsync/internal/event"
)

const metadataSyncKey = "sync"

const pendingColumns = "id, kind, payload, created_at, status, attempt_count, last_error, updated_at, terminal"

// LocalStore is the device-side durable queue of pending events.
type LocalStore struct {
	db *sql.DB
}

// Filter selects pending events for GetAll.
type Filter struct {
	// Statuses restricts the result to these statuses. Empty means any.
	Statuses []event.Status

	// MaxAttempts, when positive, drops failed events that are exhausted:
	// their attempt count has reached it or they were marked terminal.
	// Other statuses are unaffected.
	MaxAttempts int
}

// RetryCandidates selects everything a sync pass should attempt: queued
// events, events left in syncing by an interrupted pass, and failed events
// that still have attempts left and are not terminal.
func RetryCandidates(maxAttempts int) Filter {
	return Filter{
		Statuses:    []event.Status{event.StatusQueued, event.StatusSyncing, event.StatusFailed},
		MaxAttempts: maxAttempts,
	}
}

// Counts summarizes the local queue.
type Counts struct {
	Queued    int `json:"queued"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Pending is the number of events not yet confirmed and not failed.
func (c Counts) Pending() int {
	return c.Queued + c.Syncing
}

// OpenLocal creates or opens the device database at path.
func OpenLocal(path string) (*LocalStore, error) {
	db, err := openDB(path, localSchemaSQL, localMigrations)
	if err != nil {
		return nil, err
	}
	return &LocalStore{db: db}, nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *LocalStore) DB() *sql.DB {
	return s.db
}

// Put inserts or replaces an event. created_at is immutable once written.
func (s *LocalStore) Put(ctx context.Context, e event.PendingEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_events
		(id, kind, payload, created_at, status, attempt_count, last_error, terminal, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			terminal = excluded.terminal,
			updated_at = excluded.updated_at
	`,
		e.ID,
		string(e.Kind),
		string(e.Payload),
		e.CreatedAt.UnixMilli(),
		string(e.Status),
		e.AttemptCount,
		e.LastError,
		e.Terminal,
		e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put event %s: %w", e.ID, err)
	}
	return nil
}

// Get returns one event or ErrNotFound.
func (s *LocalStore) Get(ctx context.Context, id string) (event.PendingEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ` + pendingColumns + `
		FROM pending_events
		WHERE id = ?
	`, id)

	e, err := scanPendingEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.PendingEvent{}, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return event.PendingEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// GetAll returns events matching f, oldest first.
func (s *LocalStore) GetAll(ctx context.Context, f Filter) ([]event.PendingEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.MaxAttempts > 0 {
		clauses = append(clauses, "(status != 'failed' OR (attempt_count < ? AND terminal = 0))")
		args = append(args, f.MaxAttempts)
	}

	query := `
		SELECT ` + pendingColumns + `
		FROM pending_events`
	if len(clauses) > 0 {
		query += "\n\t\tWHERE " + strings.Join(clauses, " AND ")
	}
	query += "\n\t\tORDER BY created_at ASC, id COLLATE BINARY ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []event.PendingEvent{}
	for rows.Next() {
		e, err := scanPendingEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MarkSyncing moves the given events to syncing in one transaction.
func (s *LocalStore) MarkSyncing(ctx context.Context, ids []string, at time.Time) error {
	return s.withTx(ctx, "mark syncing", func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_events SET status = 'syncing', updated_at = ? WHERE id = ?
			`, at.UnixMilli(), id); err != nil {
				return fmt.Errorf("event %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkFailed records a server-reported failure for one event. A terminal
// failure is excluded from automatic retry until ResetAttempts clears it.
func (s *LocalStore) MarkFailed(ctx context.Context, id, lastError string, attempts int, terminal bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'failed', last_error = ?, attempt_count = ?, terminal = ?, updated_at = ?
		WHERE id = ?
	`, lastError, attempts, terminal, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
	}
	return nil
}

// Restore writes back the status, attempt count, last error and terminal
// flag of each event as given. Used to undo MarkSyncing when a batch never reached the
// server.
func (s *LocalStore) Restore(ctx context.Context, events []event.PendingEvent, at time.Time) error {
	return s.withTx(ctx, "restore events", func(tx *sql.Tx) error {
		for _, e := range events {
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_events
				SET status = ?, attempt_count = ?, last_error = ?, terminal = ?, updated_at = ?
				WHERE id = ?
			`, string(e.Status), e.AttemptCount, e.LastError, e.Terminal, at.UnixMilli(), e.ID); err != nil {
				return fmt.Errorf("event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// Delete removes an event. Deleting a missing event is not an error.
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// ResetAttempts gives failed events a fresh set of automatic retries and
// clears their terminal flag. With no ids, every exhausted event is reset;
// otherwise only the named events, provided they are failed.
// Returns the number of events reset.
func (s *LocalStore) ResetAttempts(ctx context.Context, maxAttempts int, at time.Time, ids ...string) (int, error) {
	query := `UPDATE pending_events SET attempt_count = 0, terminal = 0, updated_at = ? WHERE status = 'failed'`
	args := []any{at.UnixMilli()}
	if len(ids) == 0 {
		query += " AND (attempt_count >= ? OR terminal = 1)"
		args = append(args, maxAttempts)
	} else {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset attempts: %w", err)
	}
	return int(n), nil
}

// Counts tallies events by status. Exhausted counts failed events that
// have reached maxAttempts or are terminal; they are included in Failed
// as well.
func (s *LocalStore) Counts(ctx context.Context, maxAttempts int) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, attempt_count >= ? OR terminal = 1 AS exhausted, COUNT(*)
		FROM pending_events
		GROUP BY status, exhausted
	`, maxAttempts)
	if err != nil {
		return Counts{}, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status    string
			exhausted bool
			n         int
		)
		if err := rows.Scan(&status, &exhausted, &n); err != nil {
			return Counts{}, fmt.Errorf("scan count: %w", err)
		}
		switch event.Status(status) {
		case event.StatusQueued:
			c.Queued += n
		case event.StatusSyncing:
			c.Syncing += n
		case event.StatusFailed:
			c.Failed += n
			if exhausted {
				c.Exhausted += n
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return c, nil
}

// AcquireLease takes the device's sync lease for owner until now+ttl.
// It succeeds when the lease is free, expired or already held by owner,
// and reports false while another owner holds it.
func (s *LocalStore) AcquireLease(ctx context.Context, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_lease (id, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?
	`, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire sync lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire sync lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease gives up the sync lease if owner holds it.
func (s *LocalStore) ReleaseLease(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_lease WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}

// Metadata returns the sync metadata. ok is false before the first
// completed sync pass.
func (s *LocalStore) Metadata(ctx context.Context) (meta event.SyncMetadata, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metadataSyncKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return event.SyncMetadata{}, false, nil
	}
	if err != nil {
		return event.SyncMetadata{}, false, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return event.SyncMetadata{}, false, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, true, nil
}

// SetMetadata replaces the sync metadata.
func (s *LocalStore) SetMetadata(ctx context.Context, meta event.SyncMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metadataSyncKey, string(raw))
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *LocalStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin transaction: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
