// Package fanout broadcasts values to any number of independent subscribers.
//
// A [Hub] never blocks its publisher: each subscriber has its own buffered
// channel and values that do not fit are dropped for that subscriber only.
// Per-subscriber ordering is preserved.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Hub is a non-blocking broadcast point. The zero value is ready to use.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool

	dropped atomic.Int64
}

// Subscribe registers a new subscriber with the given channel buffer (minimum
// 1) and returns its receive channel plus a cancel function. Cancel closes
// the channel and is safe to call more than once. Subscribing to a closed hub
// returns an already-closed channel.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs == nil {
		h.subs = make(map[uint64]chan T)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber whose buffer has room and returns
// the number of subscribers that missed it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	missed := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			missed++
		}
	}
	if missed > 0 {
		h.dropped.Add(int64(missed))
	}
	return missed
}

// Len returns the current number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total number of per-subscriber deliveries skipped
// because a buffer was full.
func (h *Hub[T]) Dropped() int64 { return h.dropped.Load() }

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
