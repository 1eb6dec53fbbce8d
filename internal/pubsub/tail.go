package pubsub

import (
	"context"
	"sync"
)

// Tail retains the most recent payloads seen on a broker subscription.
// It is used to answer "what happened recently" queries (for example the
// bot's /logs command) without keeping the full event history.
type Tail[T any] struct {
	mu      sync.Mutex
	entries []T
	max     int
}

// NewTail subscribes to the broker and retains the last max payloads.
// The tail stops accumulating when ctx is cancelled or the broker closes.
func NewTail[T any](ctx context.Context, b *Broker[T], max int) *Tail[T] {
	if max <= 0 {
		max = 1
	}
	t := &Tail[T]{max: max}
	ch := b.Subscribe(ctx)
	go func() {
		for ev := range ch {
			t.append(ev.Payload)
		}
	}()
	return t
}

func (t *Tail[T]) append(payload T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, payload)
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
}

// Last returns up to n of the most recent payloads, oldest first.
func (t *Tail[T]) Last(n int) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || len(t.entries) == 0 {
		return nil
	}
	if n > len(t.entries) {
		n = len(t.entries)
	}
	out := make([]T, n)
	copy(out, t.entries[len(t.entries)-n:])
	return out
}

// Len returns the number of retained payloads.
func (t *Tail[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
