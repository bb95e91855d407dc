// Package event defines the shared vocabulary of attendsync: pending events
// held by a device, entries in the server event log, the JSON wire contract
// between them, and the canonical payload encoding both sides agree on.
//
// This package imports nothing internal. Every other package builds on it.
//
// Key constraints:
//   - Event ids are generated once on the device and never change
//   - Payloads are stored and compared in canonical JSON form
//   - Wire timestamps are Unix milliseconds
package event
