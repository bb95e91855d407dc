package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/attendsync/internal/event"
)

// Handler applies one validated event to the domain. Implementations return
// an *Error for business-rule rejections; any other error is treated as
// transient.
//
// A handler may be invoked again for an event whose earlier invocation
// succeeded but was never recorded as processed, so applying the same
// event id twice should be harmless.
type Handler interface {
	Handle(ctx context.Context, ev event.WireEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev event.WireEvent) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev event.WireEvent) error {
	return f(ctx, ev)
}

// Registry maps event kinds to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[event.Kind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[event.Kind]Handler)}
}

// Register binds a handler to a kind. Registering a kind twice is a
// programming error and panics.
func (r *Registry) Register(kind event.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("domain: handler for %q registered twice", kind))
	}
	r.handlers[kind] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind event.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []event.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]event.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
