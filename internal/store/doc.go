// Package store provides SQLite-backed durable storage for attendsync.
//
// Two independent databases are managed here:
//
//   - LocalStore lives on the device. It holds pending_events, the queue of
//     actions awaiting server confirmation, and a small metadata table with
//     the last successful sync time.
//   - Ledger lives on the server. Its event_log table is the idempotency
//     record: one row per event id, updated in place as the event moves from
//     pending to processed or failed.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - a single open connection, so writers never race for the lock
//
// All list queries are ordered deterministically and return empty slices,
// never nil. Timestamps are stored as Unix milliseconds.
package store
