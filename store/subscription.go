package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a live, cancellable feed of batches. Updates is closed when
// the feed ends; Err then reports why (nil after Close or context
// cancellation). Batches are shared between subscribers and must not be
// modified.
type Subscription[T any] struct {
	id   string
	ch   chan []T
	done chan struct{}
	stop func()

	finishOnce sync.Once
	stopOnce   sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription[T any](buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription[T]{
		id:   uuid.NewString(),
		ch:   make(chan []T, buffer),
		done: make(chan struct{}),
	}
}

func (s *Subscription[T]) ID() string { return s.id }

func (s *Subscription[T]) Updates() <-chan []T { return s.ch }

func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery to this subscriber only. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// finish is called by the producing side, never by consumers.
func (s *Subscription[T]) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		close(s.ch)
	})
}

func (s *Subscription[T]) offer(batch []T) bool {
	select {
	case s.ch <- batch:
		return true
	default:
		return false
	}
}

func (s *Subscription[T]) deliver(ctx context.Context, batch []T) bool {
	select {
	case s.ch <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}
