package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker is a generic pub/sub event broker. Publishers never block: events
// are dropped for subscribers whose channels are full.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[int]chan Event[T]
	nextID     int
	done       chan struct{}
	closed     bool
	bufferSize int
}

// NewBroker creates a broker with the default subscriber buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom subscriber buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[int]chan Event[T]),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is cancelled or the broker shuts down. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	id := b.nextID
	b.nextID++
	sub := make(chan Event[T], b.bufferSize)
	b.subs[id] = sub

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(id)
		case <-b.done:
			// Close() already closed the channel.
		}
	}()

	return sub
}

func (b *Broker[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub)
	}
}

// Publish sends an event to all subscribers. Non-blocking: the event is
// dropped for any subscriber whose channel is full.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// Close shuts down the broker and closes all subscriber channels. Safe to
// call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
