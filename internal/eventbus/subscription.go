package eventbus

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

// Subscription is one subscriber's ordered view of the bus.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter event.Filter

	mu      sync.Mutex // guards ring against pending
	ring    *ringChannel[event.Event]
	pending uint64 // dropped since the last Overflow marker

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newSubscription(b *Bus, id uint64, filter event.Filter, size int) *Subscription {
	return &Subscription{
		id:     id,
		bus:    b,
		filter: filter,
		ring:   newRingChannel[event.Event](size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID identifies the subscription in Stats.
func (s *Subscription) ID() uint64 {
	return s.id
}

func (s *Subscription) deliver(e event.Event) {
	s.mu.Lock()
	dropped := s.ring.ForceSend(e)
	if dropped {
		s.pending++
	}
	s.mu.Unlock()

	s.sent.Add(1)
	if dropped {
		s.dropped.Add(1)
		s.bus.logger.WithFields(logrus.Fields{
			"subscription": s.id,
			"event":        e.Kind(),
		}).Debug("Subscriber buffer full, dropped oldest event")
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next returns an Overflow marker if events were lost, else the oldest buffered event.
func (s *Subscription) next() (event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		n := s.pending
		s.pending = 0
		return event.Overflow{Dropped: n}, true
	}
	return s.ring.TryReceive()
}

// Recv blocks until an event is available. It returns device.ErrClosed once the
// subscription is cancelled or the bus closed and the buffer is drained, or the
// context error.
func (s *Subscription) Recv(ctx context.Context) (event.Event, error) {
	for {
		if e, ok := s.next(); ok {
			return e, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if e, ok := s.next(); ok {
				return e, nil
			}
			return nil, device.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv returns a buffered event without blocking.
func (s *Subscription) TryRecv() (event.Event, bool) {
	return s.next()
}

// Events returns a sequence yielding events until the subscription ends or ctx is
// cancelled. Each call starts from the subscription's current position.
func (s *Subscription) Events(ctx context.Context) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for {
			e, err := s.Recv(ctx)
			if err != nil {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Done is closed when the subscription stops accepting events.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel detaches the subscription from the bus. Idempotent.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Stats returns this subscription's delivery counters.
func (s *Subscription) Stats() SubscriberStats {
	s.mu.Lock()
	buffered := s.ring.Len()
	s.mu.Unlock()
	return SubscriberStats{
		Sent:     s.sent.Load(),
		Dropped:  s.dropped.Load(),
		Buffered: buffered,
	}
}
