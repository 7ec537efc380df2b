package wire

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receive once the subscription is closed and its
// ring is drained.
var ErrClosed = errors.New("wire: subscription closed")

// DefaultRingSize is the per-subscriber buffer used when none is configured.
const DefaultRingSize = 1024

// Subscription is an independent receive handle. When the subscriber falls
// behind by more than the ring size the oldest unread event is overwritten
// and counted in Dropped.
type Subscription struct {
	mu      sync.Mutex
	ring    []Event
	head    int
	size    int
	dropped uint64
	closed  bool
	notify  chan struct{}
	hub     *hub
	// since is the first bus sequence number the subscription may see.
	since uint64
}

func newSubscription(h *hub, size int) *Subscription {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Subscription{
		ring:   make([]Event, size),
		notify: make(chan struct{}, 1),
		hub:    h,
	}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.size == len(s.ring) {
		s.ring[s.head] = nil
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		s.dropped++
	}
	s.ring[(s.head+s.size)%len(s.ring)] = ev
	s.size++
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryReceive returns the next buffered event without waiting.
func (s *Subscription) TryReceive() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *Subscription) popLocked() (Event, bool) {
	if s.size == 0 {
		return nil, false
	}
	ev := s.ring[s.head]
	s.ring[s.head] = nil
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	return ev, true
}

// Receive blocks until an event is available, the subscription is closed
// and drained (ErrClosed), or ctx is done.
func (s *Subscription) Receive(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if ev, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped returns how many events were overwritten before being read.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Buffered events remain readable.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.remove(s)
	}
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// hub fans events out to its subscribers.
type hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      bool
}

func newHub() *hub {
	return &hub{subscribers: make(map[*Subscription]struct{})}
}

func (h *hub) subscribe(size int) *Subscription {
	return h.subscribeSince(size, 0)
}

func (h *hub) subscribeSince(size int, since uint64) *Subscription {
	s := newSubscription(h, size)
	s.since = since
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		return s
	}
	h.subscribers[s] = struct{}{}
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subscribers, s)
	h.mu.Unlock()
}

func (h *hub) broadcast(ev Event) {
	h.mu.RLock()
	for s := range h.subscribers {
		s.push(ev)
	}
	h.mu.RUnlock()
}

// emit delivers build(since) to each subscriber. Subscribers that predate
// first share a single build.
func (h *hub) emit(first uint64, build func(since uint64) Event) {
	var full Event
	h.mu.RLock()
	for s := range h.subscribers {
		var ev Event
		if s.since <= first {
			if full == nil {
				full = build(0)
			}
			ev = full
		} else {
			ev = build(s.since)
		}
		if ev != nil {
			s.push(ev)
		}
	}
	h.mu.RUnlock()
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()
	for s := range subs {
		s.markClosed()
	}
}
