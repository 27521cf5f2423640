package recovery

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

type subscriber struct {
	namespace string
	ch        chan Event
}

// Hub fans events out to live subscribers, e.g. server-sent event streams.
// Slow subscribers miss events instead of stalling the batch.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a buffered channel for events of one namespace ("" = all).
// The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(namespace string) (<-chan Event, func()) {
	sub := &subscriber{namespace: namespace, ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// Publish sends e to every matching subscriber without blocking.
func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.namespace != "" && sub.namespace != e.Namespace {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
