// Package events fans state changes out to subscribers. Each subscriber
// owns a bounded queue; on overflow the oldest queued event is dropped
// and counted, so a slow consumer never blocks ingestion or its peers.
package events

import (
	"sync"
	"sync/atomic"

	"millwatch/internal/model"
)

type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer}
}

type Subscription struct {
	id      uint64
	bus     *Bus
	mu      sync.Mutex
	ch      chan model.Event
	dropped atomic.Uint64
	closed  bool
}

// Subscribe registers a new subscriber. Events published after this call
// are delivered; late joiners pair it with a snapshot read.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		id:  b.nextID,
		bus: b,
		ch:  make(chan model.Event, b.buffer),
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every subscriber without blocking. Per-key
// causal order is preserved because each producer publishes under its
// unit's lock.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.offer(ev)
	}
}

// Dropped sums the dropped-event counters across live subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for _, s := range b.subs {
		total += s.dropped.Load()
	}
	return total
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription) offer(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Full: evict the oldest queued event and retry.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Events is the subscriber's receive side. Closed on Cancel.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Dropped reports how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
