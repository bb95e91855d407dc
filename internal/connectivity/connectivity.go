// Package connectivity reports whether the device can reach the server.
//
// A Monitor answers Online at any time and pushes transitions to
// subscribers. Manual is driven by the caller (tests, CLI flags); Prober
// polls the server on an interval.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor is a source of online/offline transitions.
type Monitor interface {
	// Online reports the current state.
	Online() bool

	// Subscribe returns a channel receiving every later transition, latest
	// value wins when the reader falls behind. The returned func
	// unsubscribes and closes the channel; it is safe to call twice.
	Subscribe() (<-chan bool, func())
}

// state holds the current value and fans transitions out to subscribers.
type state struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]chan bool
}

func newState(online bool) *state {
	return &state{online: online, subs: make(map[int]chan bool)}
}

func (s *state) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *state) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// set records v and reports whether it changed.
func (s *state) set(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == v {
		return false
	}
	s.online = v
	for _, ch := range s.subs {
		offer(ch, v)
	}
	return true
}

// offer replaces any unread value in ch with v.
func offer(ch chan bool, v bool) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Manual is a Monitor whose state is set explicitly.
type Manual struct {
	*state
}

// NewManual creates a Manual monitor starting in the given state.
func NewManual(online bool) *Manual {
	return &Manual{state: newState(online)}
}

// SetOnline changes the state, notifying subscribers on a transition.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

// Pinger checks reachability of the server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// DefaultProbeInterval is how often a Prober pings by default.
const DefaultProbeInterval = 10 * time.Second

// DefaultProbeTimeout bounds a single ping.
const DefaultProbeTimeout = 5 * time.Second

// Prober is a Monitor that pings the server periodically.
// It starts offline until the first successful probe.
type Prober struct {
	*state
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) { p.interval = d }
}

// WithTimeout sets the per-ping timeout.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber creates a Prober. Call Run to start polling.
func NewProber(pinger Pinger, opts ...ProberOption) *Prober {
	p := &Prober{
		state:    newState(false),
		pinger:   pinger,
		interval: DefaultProbeInterval,
		timeout:  DefaultProbeTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe pings once and updates the state. It returns the new state.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("server reachable")
		} else {
			p.logger.Warn("server unreachable", "error", err)
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
