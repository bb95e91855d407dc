package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/attendsync/internal/store"
)

// EvaluateAssertions checks each assertion against the rig's final state
// and returns one message per failure.
func EvaluateAssertions(ctx context.Context, r *rig, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(ctx, r, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, r *rig, a Assertion) error {
	switch a.Type {
	case AssertLocalEvent:
		return assertLocalEvent(ctx, r, a)
	case AssertLedgerEntry:
		return assertLedgerEntry(ctx, r, a)
	case AssertHandlerCalls:
		if got := r.handler.Calls(a.ID); got != *a.Count {
			return fmt.Errorf("%s handled %d times, want %d", a.ID, got, *a.Count)
		}
		return nil
	case AssertHandlerOrder:
		got := r.handler.Order()
		if !slices.Equal(got, a.IDs) {
			return fmt.Errorf("handled %v, want %v", got, a.IDs)
		}
		return nil
	case AssertSyncState:
		return assertSyncState(r, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertLocalEvent(ctx context.Context, r *rig, a Assertion) error {
	e, err := r.local.Get(ctx, a.ID)
	if a.Absent {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%s still queued with status %s", a.ID, e.Status)
	}
	if err != nil {
		return err
	}
	if a.Status != "" && string(e.Status) != a.Status {
		return fmt.Errorf("%s status = %s, want %s", a.ID, e.Status, a.Status)
	}
	if a.Attempts != nil && e.AttemptCount != *a.Attempts {
		return fmt.Errorf("%s attempts = %d, want %d", a.ID, e.AttemptCount, *a.Attempts)
	}
	if a.Terminal != nil && e.Terminal != *a.Terminal {
		return fmt.Errorf("%s terminal = %t, want %t", a.ID, e.Terminal, *a.Terminal)
	}
	return nil
}

func assertLedgerEntry(ctx context.Context, r *rig, a Assertion) error {
	e, err := r.ledger.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	if a.Status != "" && string(e.Status) != a.Status {
		return fmt.Errorf("%s status = %s, want %s", a.ID, e.Status, a.Status)
	}
	if a.Attempts != nil && e.Attempts != *a.Attempts {
		return fmt.Errorf("%s attempts = %d, want %d", a.ID, e.Attempts, *a.Attempts)
	}
	if a.Code != "" && e.ErrorCode != a.Code {
		return fmt.Errorf("%s code = %q, want %q", a.ID, e.ErrorCode, a.Code)
	}
	return nil
}

func assertSyncState(r *rig, a Assertion) error {
	s := r.worker.State()
	if a.Pending != nil && s.PendingCount != *a.Pending {
		return fmt.Errorf("pendingCount = %d, want %d", s.PendingCount, *a.Pending)
	}
	if a.Failed != nil && s.FailedCount != *a.Failed {
		return fmt.Errorf("failedCount = %d, want %d", s.FailedCount, *a.Failed)
	}
	if a.Synced != nil && (s.LastSuccessfulSyncAt != nil) != *a.Synced {
		return fmt.Errorf("lastSuccessfulSyncAt = %v, want set=%t", s.LastSuccessfulSyncAt, *a.Synced)
	}
	return nil
}
