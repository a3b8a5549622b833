package store

import (
	"context"
	"sync"

	"campuscruiser/metrics"
)

// broker fans batches out to the subscribers of a topic without ever
// blocking the publisher. A subscriber whose queue is full is dropped with
// ErrSubscriberLagged rather than skipped, so no subscriber sees a gap.
type broker[T any] struct {
	kind   string
	buffer int

	mu     sync.Mutex
	topics map[string]map[string]*Subscription[T]
}

func newBroker[T any](kind string, buffer int) *broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &broker[T]{
		kind:   kind,
		buffer: buffer,
		topics: make(map[string]map[string]*Subscription[T]),
	}
}

// add registers a subscriber with first as its initial batch. The caller must
// hold the lock that serializes publishes on topic.
func (b *broker[T]) add(ctx context.Context, topic string, first []T) *Subscription[T] {
	sub := newSubscription[T](b.buffer)
	sub.stop = func() { b.remove(topic, sub.id, nil) }

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription[T])
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	sub.offer(first)
	b.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(b.kind).Inc()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub
}

func (b *broker[T]) publish(topic string, batch []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.topics[topic] {
		if !sub.offer(batch) {
			b.removeLocked(topic, id, ErrSubscriberLagged)
		}
	}
}

func (b *broker[T]) remove(topic, id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(topic, id, err)
}

func (b *broker[T]) removeLocked(topic, id string, err error) {
	subs := b.topics[topic]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	sub.finish(err)
	metrics.ActiveSubscriptions.WithLabelValues(b.kind).Dec()
}

func (b *broker[T]) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *broker[T]) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for id := range subs {
			b.removeLocked(topic, id, nil)
		}
	}
}
