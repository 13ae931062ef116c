// Package event provides a non-blocking fan-out of values to subscribers.
//
// Each subscriber gets its own buffered channel and goroutine, so a slow
// listener only loses its own events and never stalls the publisher.
package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 64

// Broadcaster delivers published values to every current subscriber in
// publish order. Delivery is best effort: when a subscriber's buffer is full
// the value is dropped for that subscriber.
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber[T]
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
// A non-positive buffer uses DefaultBuffer.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[uint64]*subscriber[T]),
		buffer: buffer,
	}
}

// Subscribe registers fn and returns a function that unsubscribes it.
// fn runs on a dedicated goroutine. Unsubscribing is idempotent.
func (b *Broadcaster[T]) Subscribe(fn func(T)) func() {
	sub := &subscriber[T]{
		ch:   make(chan T, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case v := <-sub.ch:
				fn(v)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Publish hands v to every subscriber without blocking
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscribers
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone. Later Subscribe calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber[T])
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
