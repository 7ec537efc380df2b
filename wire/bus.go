package wire

import (
	"strings"
	"sync"
)

// Bus broadcasts events to raw and merged subscribers. Publish never
// blocks: raw subscribers receive the event directly, and the merged stream
// is produced by a single merge goroutine fed through an unbounded queue.
type Bus struct {
	raw      *hub
	merged   *hub
	ringSize int

	mu     sync.Mutex
	seq    uint64
	queue  []item
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

type item struct {
	ev    Event
	seq   uint64
	flush bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithRingSize sets the per-subscriber ring size.
func WithRingSize(n int) Option {
	return func(b *Bus) {
		b.ringSize = n
	}
}

// NewBus creates a Bus and starts its merge goroutine.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		raw:      newHub(),
		merged:   newHub(),
		ringSize: DefaultRingSize,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.mergeLoop()
	return b
}

// Publish sends ev to every subscriber. Events published after Close are
// discarded.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	// Held across the raw broadcast so raw and merged order agree.
	b.raw.broadcast(ev)
	b.seq++
	b.queue = append(b.queue, item{ev: ev, seq: b.seq})
	b.mu.Unlock()
	b.poke()
}

// Flush emits any buffered merged content.
func (b *Bus) Flush() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, item{flush: true})
	b.mu.Unlock()
	b.poke()
}

func (b *Bus) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe returns a handle on the raw event stream.
func (b *Bus) Subscribe() *Subscription {
	return b.raw.subscribe(b.ringSize)
}

// SubscribeMerged returns a handle on the merged stream, where consecutive
// TextPart events (and separately ThinkPart events) are coalesced. Content
// published before the call is never delivered, even when it is still
// waiting in the merge buffer.
func (b *Bus) SubscribeMerged() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.merged.subscribeSince(b.ringSize, b.seq+1)
}

// Close drains pending events, flushes the merge buffer and closes every
// subscription. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.poke()
	<-b.done
	b.raw.close()
}

func (b *Bus) take() ([]item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.queue
	b.queue = nil
	return items, b.closed
}

// mergeLoop owns the merge buffer.
func (b *Bus) mergeLoop() {
	defer close(b.done)
	var m merger
	for {
		items, closed := b.take()
		for _, it := range items {
			if it.flush {
				m.flush(b.merged)
				continue
			}
			m.add(it, b.merged)
		}
		if closed {
			// Publish cannot enqueue once closed is set, so the queue is empty.
			m.flush(b.merged)
			b.merged.close()
			return
		}
		<-b.wake
	}
}

// merger coalesces consecutive text and think parts. Each buffered chunk
// keeps its sequence number so late subscribers only see their share.
type merger struct {
	pending []item
}

func (m *merger) add(it item, out *hub) {
	switch it.ev.(type) {
	case TextPart, ThinkPart:
		if len(m.pending) > 0 && m.pending[0].ev.EventType() != it.ev.EventType() {
			m.flush(out)
		}
		m.pending = append(m.pending, it)
	default:
		m.flush(out)
		ev := it.ev
		out.emit(it.seq, func(since uint64) Event {
			if it.seq < since {
				return nil
			}
			return ev
		})
	}
}

func (m *merger) flush(out *hub) {
	if len(m.pending) == 0 {
		return
	}
	chunks := m.pending
	m.pending = nil
	out.emit(chunks[0].seq, func(since uint64) Event {
		return coalesce(chunks, since)
	})
}

// coalesce joins the chunks numbered since or later, or returns nil when
// there are none.
func coalesce(chunks []item, since uint64) Event {
	var (
		text, think strings.Builder
		signature   string
		isThink     bool
		found       bool
	)
	for _, c := range chunks {
		if c.seq < since {
			continue
		}
		found = true
		switch e := c.ev.(type) {
		case TextPart:
			text.WriteString(e.Text)
		case ThinkPart:
			isThink = true
			think.WriteString(e.Think)
			if e.Signature != "" {
				signature = e.Signature
			}
		}
	}
	switch {
	case !found:
		return nil
	case isThink:
		return ThinkPart{Think: think.String(), Signature: signature}
	default:
		return TextPart{Text: text.String()}
	}
}
