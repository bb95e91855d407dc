package harness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/attendsync/internal/connectivity"
	"github.com/roach88/attendsync/internal/event"
	"github.com/roach88/attendsync/internal/worker"
)

// disconnectTimeout bounds how long a disconnect fault waits for the
// worker to cancel the request.
const disconnectTimeout = 5 * time.Second

var (
	errConnectionRefused = errors.New("connection refused")
	errResponseLost      = errors.New("connection reset before response")
)

// loopback delivers batches to an in-process server and injects the
// faults armed by the scenario, one per submission.
type loopback struct {
	server  worker.Submitter
	monitor *connectivity.Manual

	mu     sync.Mutex
	faults []string
}

func newLoopback(server worker.Submitter, monitor *connectivity.Manual) *loopback {
	return &loopback{server: server, monitor: monitor}
}

func (l *loopback) arm(mode string, times int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for range times {
		l.faults = append(l.faults, mode)
	}
}

func (l *loopback) next() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.faults) == 0 {
		return ""
	}
	f := l.faults[0]
	l.faults = l.faults[1:]
	return f
}

// Submit implements worker.Submitter.
func (l *loopback) Submit(ctx context.Context, events []event.WireEvent) ([]event.EventResult, error) {
	fault := l.next()
	if fault == FaultDropRequest {
		return nil, errConnectionRefused
	}

	results, err := l.server.Submit(ctx, events)
	if err != nil {
		return nil, err
	}

	switch fault {
	case FaultLoseResponse:
		return nil, errResponseLost
	case FaultDisconnect:
		l.monitor.SetOnline(false)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(disconnectTimeout):
			return nil, errors.New("request not cancelled after disconnect")
		}
	}
	return results, nil
}
