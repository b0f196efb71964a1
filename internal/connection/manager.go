// Package connection implements the per-device connection lifecycle:
//
//	Disconnected -> Connecting -> Connected -> DiscoveringServices -> Ready -> Disconnecting -> Disconnected
//
// Failed is reachable from Connecting and DiscoveringServices. Adapter events
// drive every transition after Connect; the manager never retries on its own
// but keeps a per-device count of consecutive failures for callers that do.
package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/eventbus"
	"github.com/srg/blecore/internal/gatt"
	"github.com/srg/blecore/internal/registry"
)

// Options are the session-wide connection defaults.
type Options struct {
	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration
	DisconnectTimeout time.Duration
	PreferredMTU      int
}

// DefaultOptions returns the defaults used for zero-valued Options fields.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    30 * time.Second,
		OperationTimeout:  gatt.DefaultTimeout,
		DisconnectTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	return o
}

// Manager owns every Connection of a session.
type Manager struct {
	adapter  adapter.Adapter
	registry *registry.Registry
	bus      *eventbus.Bus
	seq      *gatt.Sequence
	opts     Options
	logger   *logrus.Logger

	mu       sync.Mutex // serializes creation and removal of connections
	conns    *hashmap.Map[device.ID, *Connection]
	failures *hashmap.Map[device.ID, *atomic.Int64]
	closed   bool
}

// NewManager creates a connection manager. seq is shared with nothing else
// when nil.
func NewManager(a adapter.Adapter, reg *registry.Registry, bus *eventbus.Bus, seq *gatt.Sequence, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if seq == nil {
		seq = &gatt.Sequence{}
	}
	return &Manager{
		adapter:  a,
		registry: reg,
		bus:      bus,
		seq:      seq,
		opts:     opts.withDefaults(),
		logger:   logger,
		conns:    hashmap.New[device.ID, *Connection](),
		failures: hashmap.New[device.ID, *atomic.Int64](),
	}
}

// Connect starts a connection attempt to id and returns its handle in the
// Connecting state. It fails with device.ErrInvalidState unless the device has
// no connection or its connection is Disconnected or Failed. The outcome is
// observed through the handle (WaitReady, DiscoverServices) or StateChanged
// events.
func (m *Manager) Connect(id device.ID, opts device.ConnectOptions) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, device.NewError(device.KindClosed, "session closed")
	}
	if cur, ok := m.conns.Get(id); ok {
		if st := cur.State(); !st.IsTerminal() {
			m.mu.Unlock()
			return nil, device.InvalidState("connect", st)
		}
	}

	o := m.opts
	if opts.ConnectTimeout > 0 {
		o.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.OperationTimeout > 0 {
		o.OperationTimeout = opts.OperationTimeout
	}
	if opts.PreferredMTU > 0 {
		o.PreferredMTU = opts.PreferredMTU
	}

	c := newConnection(m, id, o, m.failureCounter(id).Load())
	m.conns.Set(id, c)
	c.beginConnect()
	m.mu.Unlock()

	if err := m.adapter.Connect(id, adapter.ConnectOptions{Timeout: o.ConnectTimeout}); err != nil {
		err = device.AdapterError(0, err)
		c.fail(err)
		return c, err
	}
	return c, nil
}

// Get returns the current connection for id, including a Failed one.
func (m *Manager) Get(id device.ID) (*Connection, bool) {
	return m.conns.Get(id)
}

// Connections returns every tracked connection.
func (m *Manager) Connections() []*Connection {
	out := make([]*Connection, 0, m.conns.Len())
	m.conns.Range(func(_ device.ID, c *Connection) bool {
		out = append(out, c)
		return true
	})
	return out
}

// RetryCount returns the number of consecutive failed attempts for id since it
// last reached Ready.
func (m *Manager) RetryCount(id device.ID) int {
	if n, ok := m.failures.Get(id); ok {
		return int(n.Load())
	}
	return 0
}

func (m *Manager) failureCounter(id device.ID) *atomic.Int64 {
	n, _ := m.failures.GetOrInsert(id, &atomic.Int64{})
	return n
}

// HandleEvent applies an adapter event to the owning connection. It reports
// whether the event concerned connections.
func (m *Manager) HandleEvent(e event.Event) bool {
	switch ev := e.(type) {
	case event.ConnectionStateChanged:
		if c, ok := m.lookup(ev.ID, ev.Kind()); ok {
			c.onLinkState(ev)
		}
	case event.ServicesDiscovered:
		if c, ok := m.lookup(ev.ID, ev.Kind()); ok {
			c.onServices(ev)
		}
	case event.OperationCompleted:
		if c, ok := m.lookup(ev.ID, ev.Kind()); ok {
			c.onOperation(ev)
		}
	case event.CharacteristicValueUpdated:
		if c, ok := m.conns.Get(ev.ID); ok {
			c.onValue(ev)
		}
	default:
		return false
	}
	return true
}

func (m *Manager) lookup(id device.ID, kind event.Kind) (*Connection, bool) {
	c, ok := m.conns.Get(id)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"device_id": id,
			"event":     kind,
		}).Debug("Ignoring event for unknown connection")
	}
	return c, ok
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns.Get(c.id); ok && cur == c {
		m.conns.Del(c.id)
	}
}

// Close tears down every connection: queued operations complete with
// device.ErrClosed and the adapter is asked to drop each link. Connect fails
// afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, c := range m.Connections() {
		c.shutdown()
	}
}
