// Package flow provides an observable value cell. A State always holds a
// current value; subscribers receive that value immediately and then every
// later value, conflated so that a slow reader only ever sees the latest.
package flow

import (
	"context"
	"sync"
)

// State is a concurrency-safe observable value.
// Values stored in a State are treated as immutable snapshots: callers
// must not mutate a value after handing it to Set.
type State[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[chan T]struct{}
}

// NewState creates a State holding initial.
func NewState[T any](initial T) *State[T] {
	return &State[T]{value: initial, subs: make(map[chan T]struct{})}
}

// Value returns the current value.
func (s *State[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the current value and notifies subscribers.
func (s *State[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(v)
}

// Update atomically derives the next value from the current one and
// returns it.
func (s *State[T]) Update(fn func(T) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.value)
	s.setLocked(next)
	return next
}

func (s *State[T]) setLocked(v T) {
	s.value = v
	for ch := range s.subs {
		offer(ch, v)
	}
}

// offer replaces whatever is pending in ch with v. ch has capacity 1 and
// all sends happen under the State lock, so the send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// Subscribe returns a channel that yields the current value and then every
// subsequent one. The channel is closed after ctx is done.
func (s *State[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	s.mu.Lock()
	ch <- s.value
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Subscribers reports the number of live subscriptions.
func (s *State[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Readable is the read side of a State, handed to consumers that must not
// publish.
type Readable[T any] interface {
	Value() T
	Subscribe(ctx context.Context) <-chan T
}

var _ Readable[int] = (*State[int])(nil)

// WaitFor blocks until the state holds a value satisfying pred, returning
// that value, or until ctx is done. Intermediate values may be skipped.
func WaitFor[T any](ctx context.Context, s Readable[T], pred func(T) bool) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for v := range s.Subscribe(ctx) {
		if pred(v) {
			return v, nil
		}
	}
	var zero T
	return zero, ctx.Err()
}
