// Package broadcast provides bounded multi-subscriber topics. Publishing
// never blocks: when a subscriber's buffer is full its oldest pending value is
// discarded to make room for the new one.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// Topic fans values out to every active subscription.
type Topic[T any] struct {
	mu      sync.RWMutex
	subs    map[*Subscription[T]]struct{}
	onDrop  func()
	closed  bool
	dropped atomic.Int64
}

// Subscription receives values from a Topic until it is closed.
type Subscription[T any] struct {
	topic  *Topic[T]
	ch     chan T
	mu     sync.Mutex
	closed bool
}

// New creates a topic. onDrop is called once per discarded value and may be nil.
func New[T any](onDrop func()) *Topic[T] {
	return &Topic[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		onDrop: onDrop,
	}
}

// Subscribe registers a subscriber with the given buffer (minimum 1).
func (t *Topic[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}

	s := &Subscription[T]{topic: t, ch: make(chan T, buffer)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		s.closeChan()

		return s
	}

	t.subs[s] = struct{}{}

	return s
}

// SubscribeWith registers a subscriber whose first value is initial.
func (t *Topic[T]) SubscribeWith(buffer int, initial T) *Subscription[T] {
	s := t.Subscribe(buffer)
	s.offer(initial)

	return s
}

// Publish delivers v to all subscribers without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for s := range t.subs {
		s.offer(v)
	}
}

// Len returns the number of active subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.subs)
}

// Dropped returns how many values were discarded across all subscribers.
func (t *Topic[T]) Dropped() int64 {
	return t.dropped.Load()
}

// Close closes every subscription and rejects new ones.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*Subscription[T]]struct{})
	t.closed = true
	t.mu.Unlock()

	for s := range subs {
		s.closeChan()
	}
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()

	s.closeChan()
}

func (s *Subscription[T]) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// offer is serialized per subscription so drop-oldest cannot interleave
// with another publisher.
func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- v:
			return
		default:
		}

		select {
		case <-s.ch:
			s.topic.dropped.Add(1)
			if s.topic.onDrop != nil {
				s.topic.onDrop()
			}
		default:
		}
	}
}
