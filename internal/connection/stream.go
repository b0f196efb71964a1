package connection

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/gatt"
)

// ValueStream delivers notifications and indications of one characteristic.
type ValueStream struct {
	conn *Connection
	ref  device.CharRef
	sub  *eventbus.Subscription

	once    sync.Once
	mu      sync.Mutex
	err     error
	dropped atomic.Uint64
}

func newValueStream(c *Connection, ref device.CharRef) *ValueStream {
	filter := event.And(
		event.OfKind(event.KindCharacteristicValueUpdated),
		event.ForDevice(c.id),
		func(e event.Event) bool {
			return e.(event.CharacteristicValueUpdated).Char == ref
		},
	)
	return &ValueStream{conn: c, ref: ref, sub: c.mgr.bus.Subscribe(filter)}
}

// Char returns the characteristic the stream is bound to.
func (s *ValueStream) Char() device.CharRef {
	return s.ref
}

// Dropped returns how many values were lost because the stream was not read fast enough.
func (s *ValueStream) Dropped() uint64 {
	return s.dropped.Load()
}

// Recv returns the next value. After the stream ends, buffered values are
// returned first, then the reason: device.ErrCancelledByDisconnect on link loss,
// device.ErrClosed after Close.
func (s *ValueStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		e, err := s.sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, device.ErrClosed) {
				return nil, s.reason()
			}
			return nil, err
		}
		switch ev := e.(type) {
		case event.CharacteristicValueUpdated:
			return append([]byte(nil), ev.Value...), nil
		case event.Overflow:
			s.dropped.Add(ev.Dropped)
			s.conn.mgr.logger.WithFields(logrus.Fields{
				"device_id": s.conn.id,
				"char_uuid": s.ref.UUID,
				"dropped":   ev.Dropped,
			}).Warn("Notification stream overflow")
		}
	}
}

// Values yields values until the stream ends or ctx is cancelled.
func (s *ValueStream) Values(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			v, err := s.Recv(ctx)
			if err != nil || !yield(v) {
				return
			}
		}
	}
}

// Err returns why the stream ended, nil while open.
func (s *ValueStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ValueStream) reason() error {
	if err := s.Err(); err != nil {
		return err
	}
	return device.ErrClosed
}

// Close ends the stream. Notifications are disabled on the device when this
// was the last stream for the characteristic.
func (s *ValueStream) Close() error {
	if s.conn.releaseStream(s) {
		s.conn.Enqueue(gatt.SetNotify(s.ref, false))
	}
	s.closeWith(device.ErrClosed)
	return nil
}

func (s *ValueStream) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.sub.Cancel()
	})
}

// Subscribe enables notifications on a characteristic and returns a stream of
// its values. Several streams may share one characteristic; the device is
// only written when the first one opens and the last one closes.
func (c *Connection) Subscribe(ctx context.Context, char string) (*ValueStream, error) {
	ch, err := c.Characteristic(char)
	if err != nil {
		return nil, err
	}
	if ch.Properties != 0 && !ch.Properties.CanSubscribe() {
		return nil, device.NewError(device.KindUnsupported, "characteristic %s does not support notifications", ch.UUID)
	}

	ref := ch.Ref()
	s := newValueStream(c, ref)

	c.mu.Lock()
	if c.state != device.StateReady {
		st := c.state
		c.mu.Unlock()
		s.closeWith(device.ErrClosed)
		return nil, device.NotReady(c.id, st)
	}
	set, ok := c.streams[ref]
	if !ok {
		set = make(map[*ValueStream]struct{})
		c.streams[ref] = set
	}
	first := len(set) == 0
	set[s] = struct{}{}
	c.mu.Unlock()

	if first {
		if _, err := wait(ctx, c.Enqueue(gatt.SetNotify(ref, true))); err != nil {
			c.releaseStream(s)
			s.closeWith(err)
			return nil, err
		}
	}
	return s, nil
}

// releaseStream forgets s and reports whether notifications should be turned
// off on the device.
func (c *Connection) releaseStream(s *ValueStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.streams[s.ref]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) > 0 {
		return false
	}
	delete(c.streams, s.ref)
	return c.state == device.StateReady
}

func (c *Connection) takeStreamsLocked() []*ValueStream {
	var out []*ValueStream
	for _, set := range c.streams {
		for s := range set {
			out = append(out, s)
		}
	}
	c.streams = make(map[device.CharRef]map[*ValueStream]struct{})
	return out
}
