// Package harness runs sync scenarios end to end.
//
// A scenario wires one device (local store, queue, sync worker) to one
// in-process server (event log, validator, domain handlers) through a
// loopback network that can drop requests, lose responses or disconnect
// mid-request. Every scenario runs on a manual clock with sequential
// event ids (evt-1, evt-2, ...) in fresh databases, so its trace is
// identical across runs and is compared against a golden file.
//
// # Scenario Format
//
//	name: lost_response
//	description: "A batch whose response is lost is applied once"
//	domain: accept            # or attendance
//	online: true              # initial connectivity
//	steps:
//	  - enqueue: {kind: staff_checkin, payload: {staffId: 1}}
//	  - fault: {mode: lose_response}
//	  - sync: {expect: {selected: 1, error: request}}
//	  - sync: {expect: {duplicates: 1}}
//	  - reject: {id: evt-2, code: open_session}
//	  - retry: {ids: [evt-2]}
//	  - online: false
//	  - advance: 1m
//	assertions:
//	  - {type: handler_calls, id: evt-1, count: 1}
//	  - {type: local_event, id: evt-1, absent: true}
//	  - {type: ledger_entry, id: evt-1, status: processed}
//	  - {type: handler_order, ids: [evt-1]}
//	  - {type: sync_state, pending: 0, failed: 0, synced: true}
//
// # Trace
//
// The trace has one line per step, then the local queue, the published
// sync state, the handler call order and the event log:
//
//	enqueue evt-1 staff_checkin {"staffId":1}
//	fault lose_response x1
//	sync selected=1 synced=0 duplicates=0 failed=0 unanswered=0 error=request
//	sync selected=1 synced=0 duplicates=1 failed=0 unanswered=0
//	device
//	  state online=true pending=0 failed=0 last_sync=2026-09-07T08:00:00Z
//	server
//	  handled evt-1
//	  ledger evt-1 processed attempts=1
package harness
