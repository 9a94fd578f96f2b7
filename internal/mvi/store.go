// Package mvi provides the plumbing shared by the form state machines: a replay-1
// broadcast Store and a Machine that folds intents into it one at a time.
package mvi

import (
	"context"
	"sync"
)

// Store holds the current value and broadcasts every new value to its subscribers.
// New subscribers receive the current value immediately. A slow subscriber only ever
// sees the most recent value it has not consumed yet.
type Store[S any] struct {
	mu     sync.RWMutex
	value  S
	subs   map[uint64]chan S
	nextID uint64
	closed bool
}

// NewStore creates a store holding initial.
func NewStore[S any](initial S) *Store[S] {
	return &Store[S]{
		value: initial,
		subs:  make(map[uint64]chan S),
	}
}

// Value returns the current value.
func (s *Store[S]) Value() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Publish replaces the current value and notifies subscribers.
func (s *Store[S]) Publish(v S) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	for _, ch := range s.subs {
		offer(ch, v)
	}
}

// offer delivers v into a buffered-1 channel, replacing an unconsumed older value.
// Only publishers send, and they hold the write lock, so the drain always makes room.
func offer[S any](ch chan S, v S) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel that yields the current value and every later one, and a
// function that ends the subscription. The channel is closed when the subscription ends
// or the store is closed.
func (s *Store[S]) Subscribe() (<-chan S, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan S, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.value

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Wait blocks until the store holds a value satisfying pred, the context ends or the
// store is closed. It returns the last value observed.
func (s *Store[S]) Wait(ctx context.Context, pred func(S) bool) (S, error) {
	ch, cancel := s.Subscribe()
	defer cancel()

	last := s.Value()
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case v, ok := <-ch:
			if !ok {
				return last, ErrMachineClosed
			}
			last = v
			if pred(v) {
				return v, nil
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store[S]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (s *Store[S]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
