package pipeline

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the channel size of a hub subscription.
const DefaultSubscriberBuffer = 64

// Hub fans pipeline messages out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan any]struct{}
	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan any]struct{})}
}

// Subscribe returns a channel receiving published messages and a function
// that ends the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan any, func()) {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan any, buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Publish delivers msg to every subscriber with room for it.
func (h *Hub) Publish(msg any) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many messages were not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
