package broadcast

import (
	"context"
	"sync"
)

// Hub is a single-producer, multi-consumer fan-out of byte chunks.
//
// Published chunks are kept in a ring of fixed capacity shared by all
// subscribers. Each subscription keeps its own cursor into the ring, so a
// slow subscriber never slows the publisher or any other subscriber: once it
// falls more than capacity chunks behind, the oldest chunks are overwritten
// and the subscriber learns about the gap through a *LaggedError.
//
// A subscription only sees chunks published after Subscribe returned.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	ring     [][]byte
	head     uint64 // sequence number of the last published chunk, 0 = none
	notify   chan struct{}
	closed   bool
	subs     int
	lagged   uint64
	capacity int
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
	Closed      bool   `json:"closed"`
}

// New creates a hub retaining up to capacity chunks. A capacity below one is
// raised to one.
func New(capacity int) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub{
		ring:     make([][]byte, capacity),
		notify:   make(chan struct{}),
		capacity: capacity,
	}
}

// Publish appends a copy of chunk to the ring and wakes every waiting
// subscriber. It never blocks on subscribers and succeeds whether or not
// anyone is subscribed.
//
// Returns:
//   - uint64: the sequence number assigned to the chunk, or 0 if the hub is closed
func (h *Hub) Publish(chunk []byte) uint64 {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	h.head++
	h.ring[h.slot(h.head)] = buf
	h.wakeLocked()

	return h.head
}

// Subscribe returns a new subscription positioned after the most recently
// published chunk. Subscribing to a closed hub returns a subscription whose
// Recv reports ErrClosed.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		h.subs++
	}
	return &Subscription{
		hub:  h,
		next: h.head + 1,
	}
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Capacity:    h.capacity,
		Published:   h.head,
		Subscribers: h.subs,
		Dropped:     h.lagged,
		Closed:      h.closed,
	}
}

// Close stops accepting new chunks. Subscribers drain whatever is still
// retained and then receive ErrClosed. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.subs = 0
	h.wakeLocked()
}

// slot maps a sequence number (starting at 1) onto the ring.
func (h *Hub) slot(seq uint64) int {
	return int((seq - 1) % uint64(h.capacity))
}

// oldestLocked returns the sequence number of the oldest retained chunk.
func (h *Hub) oldestLocked() uint64 {
	if h.head <= uint64(h.capacity) {
		return 1
	}
	return h.head - uint64(h.capacity) + 1
}

func (h *Hub) wakeLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// Subscription is one consumer's cursor into a Hub.
//
// A Subscription must be used by a single goroutine for Recv; Close may be
// called from any goroutine.
type Subscription struct {
	hub    *Hub
	next   uint64
	closed bool
}

// Recv returns the next chunk in publish order, blocking until one is
// available.
//
// The returned slice is shared with other subscribers and must not be
// modified.
//
// Returns:
//   - []byte: the next chunk
//   - error: *LaggedError if chunks were lost (the next call continues from
//     the oldest retained chunk), ErrClosed after the hub closed and drained,
//     ErrSubscriptionClosed after Close, or ctx.Err()
func (s *Subscription) Recv(ctx context.Context) ([]byte, error) {
	h := s.hub

	for {
		h.mu.Lock()

		if s.closed {
			h.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}

		if oldest := h.oldestLocked(); s.next < oldest {
			missed := oldest - s.next
			s.next = oldest
			h.lagged += missed
			h.mu.Unlock()
			return nil, &LaggedError{Missed: missed}
		}

		if s.next <= h.head {
			chunk := h.ring[h.slot(s.next)]
			s.next++
			h.mu.Unlock()
			return chunk, nil
		}

		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}

		wait := h.notify
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the subscription and wakes a Recv blocked on it.
// Close is idempotent.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !h.closed {
		h.subs--
	}
	h.wakeLocked()
}
