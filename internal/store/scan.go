package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/attendsync/internal/event"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingEvent(row rowScanner) (event.PendingEvent, error) {
	var (
		e                    event.PendingEvent
		kind, status         string
		payload              string
		createdAt, updatedAt int64
	)
	err := row.Scan(&e.ID, &kind, &payload, &createdAt, &status, &e.AttemptCount, &e.LastError, &updatedAt, &e.Terminal)
	if err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.Kind = event.Kind(kind)
	e.Status = event.Status(status)
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = event.FromMillis(createdAt)
	e.UpdatedAt = event.FromMillis(updatedAt)
	return e, nil
}

func scanLogEntry(row rowScanner) (event.LogEntry, error) {
	var (
		e                 event.LogEntry
		eventType, status string
		payload           string
		createdAt         int64
		processedAt       sql.NullInt64
	)
	err := row.Scan(&e.ID, &eventType, &payload, &e.PayloadDigest, &status,
		&e.ErrorCode, &e.ErrorMessage, &e.Attempts, &createdAt, &processedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("scan log entry: %w", err)
	}
	e.EventType = event.Kind(eventType)
	e.Status = event.LogStatus(status)
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = event.FromMillis(createdAt)
	if processedAt.Valid {
		t := event.FromMillis(processedAt.Int64)
		e.ProcessedAt = &t
	}
	return e, nil
}
