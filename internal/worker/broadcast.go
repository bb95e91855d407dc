package worker

import (
	"sync"

	"github.com/roach88/attendsync/internal/event"
)

// Broadcaster fans SyncState updates out to subscribers. Each subscriber
// holds at most one unread value; a newer state replaces an unread one, so
// Publish never blocks on a slow reader.
type Broadcaster struct {
	mu     sync.Mutex
	latest event.SyncState
	seen   bool
	next   int
	subs   map[int]chan event.SyncState
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan event.SyncState)}
}

// Publish records s as the latest state and offers it to every subscriber.
func (b *Broadcaster) Publish(s event.SyncState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = s
	b.seen = true
	for _, ch := range b.subs {
		offer(ch, s)
	}
}

// Latest returns the most recently published state. ok is false before
// the first Publish.
func (b *Broadcaster) Latest() (s event.SyncState, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.seen
}

// Subscribe returns a channel that first receives the latest state, if
// any, and then every later one. The returned func unsubscribes and
// closes the channel; calling it again is a no-op.
func (b *Broadcaster) Subscribe() (<-chan event.SyncState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan event.SyncState, 1)
	if b.seen {
		ch <- b.latest
	}
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func offer(ch chan event.SyncState, s event.SyncState) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
