// Package eventbus fans events out to independent subscribers.
//
// Publish never blocks: every subscriber owns a bounded buffer, and when it is
// full the oldest buffered event is dropped. The subscriber then receives an
// event.Overflow marker carrying the number of events it lost, ahead of the
// events that are still buffered. Other subscribers are unaffected.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/event"
)

// DefaultBufferSize is used when New is given a non-positive size.
const DefaultBufferSize = 64

// Bus delivers published events to every matching subscription in publish order.
type Bus struct {
	mu         sync.Mutex // serializes Publish and subscriber changes
	subs       []*Subscription
	nextID     uint64
	closed     bool
	bufferSize int
	logger     *logrus.Logger

	published atomic.Uint64
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[uint64]SubscriberStats
}

// SubscriberStats counts deliveries to one subscription.
type SubscriberStats struct {
	Sent     uint64
	Dropped  uint64
	Buffered int
}

// New creates a bus whose subscriptions buffer bufferSize events each.
func New(bufferSize int, logger *logrus.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{bufferSize: bufferSize, logger: logger}
}

// Publish delivers e to every subscription whose filter matches. It never blocks
// on subscribers. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		if s.filter.Match(e) {
			s.deliver(e)
		}
	}
}

// Subscribe registers a new subscription receiving events that match filter
// (nil matches all), starting with the next published event.
func (b *Bus) Subscribe(filter event.Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := newSubscription(b, b.nextID, filter, b.bufferSize)
	if b.closed {
		s.close()
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats returns delivery counters for the bus and each active subscription.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[uint64]SubscriberStats, len(b.subs)),
	}
	for _, s := range b.subs {
		ss := s.Stats()
		st.Subscribers[s.id] = ss
		st.TotalSent += ss.Sent
		st.TotalDropped += ss.Dropped
	}
	return st
}

// Close ends every subscription. Buffered events can still be received.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.close()
	}
	b.subs = nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
