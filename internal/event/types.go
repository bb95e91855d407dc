package event

import (
	"encoding/json"
	"time"
)

// Kind names the attendance action an event records.
type Kind string

const (
	KindStudentCheckin  Kind = "student_checkin"
	KindStudentCheckout Kind = "student_checkout"
	KindStaffCheckin    Kind = "staff_checkin"
	KindStaffCheckout   Kind = "staff_checkout"
)

// Kinds lists the built-in kinds in a stable order.
var Kinds = []Kind{KindStudentCheckin, KindStudentCheckout, KindStaffCheckin, KindStaffCheckout}

// Valid reports whether k is one of the built-in kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a PendingEvent on the device.
//
//	queued -> syncing -> (deleted)          server reported success/duplicate
//	queued -> syncing -> failed -> syncing  retried while attempts remain
//
// StatusSynced exists for completeness of the schema; confirmed events are
// deleted rather than kept with this status.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// MaxRetryAttempts bounds automatic delivery attempts for a failed event.
const MaxRetryAttempts = 3

// PendingEvent is a device-local record of an action awaiting server
// confirmation.
type PendingEvent struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	Status       Status          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// Terminal marks a failure the server said retrying cannot fix. The
	// event waits for an operator whatever its AttemptCount.
	Terminal bool `json:"terminal,omitempty"`
}

// Exhausted reports whether automatic retries are used up under the given
// attempt bound.
func (e PendingEvent) Exhausted(maxAttempts int) bool {
	return e.Status == StatusFailed && (e.Terminal || e.AttemptCount >= maxAttempts)
}

// Wire converts the event to its request representation.
func (e PendingEvent) Wire() WireEvent {
	return WireEvent{
		ID:        e.ID,
		Kind:      e.Kind,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
}

// SyncMetadata is the device's singleton sync bookkeeping record.
type SyncMetadata struct {
	LastSuccessfulSyncAt time.Time `json:"last_successful_sync_at"`
}

// LogStatus is the state of an event in the server event log.
type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogProcessed LogStatus = "processed"
	LogFailed    LogStatus = "failed"
)

// LogEntry is the server's idempotency record for one event id.
type LogEntry struct {
	ID            string          `json:"id"`
	EventType     Kind            `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PayloadDigest string          `json:"payload_digest"`
	Status        LogStatus       `json:"status"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// SyncState is the client-observable snapshot published by the sync worker.
type SyncState struct {
	IsOnline             bool       `json:"isOnline"`
	IsSyncing            bool       `json:"isSyncing"`
	PendingCount         int        `json:"pendingCount"`
	FailedCount          int        `json:"failedCount"`
	LastSuccessfulSyncAt *time.Time `json:"lastSuccessfulSyncAt,omitempty"`
}
