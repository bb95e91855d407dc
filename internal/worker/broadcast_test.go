package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/attendsync/internal/event"
)

func TestBroadcaster_LatestWins(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(event.SyncState{PendingCount: i})
	}

	assert.Equal(t, 5, (<-ch).PendingCount)
	select {
	case s := <-ch:
		t.Fatalf("stale state %+v", s)
	default:
	}
}

func TestBroadcaster_SubscribeReplaysLatest(t *testing.T) {
	b := NewBroadcaster()

	_, ok := b.Latest()
	assert.False(t, ok)

	b.Publish(event.SyncState{IsOnline: true, FailedCount: 2})

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()
	assert.Equal(t, event.SyncState{IsOnline: true, FailedCount: 2}, <-ch)

	latest, ok := b.Latest()
	assert.True(t, ok)
	assert.Equal(t, 2, latest.FailedCount)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe()

	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	b.Publish(event.SyncState{})
}
