package testutil

import (
	"context"
	"sync"

	"github.com/roach88/attendsync/internal/domain"
	"github.com/roach88/attendsync/internal/event"
)

// RecordingHandler is a domain handler that counts invocations per event id
// and fails on demand.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingHandler struct {
	mu       sync.Mutex
	calls    map[string]int
	order    []string
	failures map[string][]error
	failAll  error
}

// NewRecordingHandler creates a handler that accepts everything.
func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// Handle records the call, then returns the next scripted failure for the
// event id, the blanket failure if set, or nil.
func (h *RecordingHandler) Handle(_ context.Context, ev event.WireEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls[ev.ID]++
	h.order = append(h.order, ev.ID)

	if queue := h.failures[ev.ID]; len(queue) > 0 {
		h.failures[ev.ID] = queue[1:]
		return queue[0]
	}
	return h.failAll
}

// FailNext makes the next len(errs) calls for id return errs in order.
func (h *RecordingHandler) FailNext(id string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[id] = append(h.failures[id], errs...)
}

// FailAll makes every call without a scripted failure return err.
// Pass nil to stop failing.
func (h *RecordingHandler) FailAll(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failAll = err
}

// Calls returns how often id was handled.
func (h *RecordingHandler) Calls(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

// Order returns handled event ids in call order.
func (h *RecordingHandler) Order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Registry returns a registry routing every built-in kind to h.
func (h *RecordingHandler) Registry() *domain.Registry {
	reg := domain.NewRegistry()
	for _, k := range event.Kinds {
		reg.Register(k, h)
	}
	return reg
}
