package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/gatt"
)

// DefaultMTU is the ATT MTU of a link before any exchange.
const DefaultMTU = 23

// Connection is the handle of one device's connection lifecycle.
type Connection struct {
	id    device.ID
	mgr   *Manager
	opts  Options
	queue *gatt.Queue

	mu              sync.Mutex
	state           device.State
	cause           error
	retries         int
	services        *orderedmap.OrderedMap[string, *device.Service]
	mtu             int
	streams         map[device.CharRef]map[*ValueStream]struct{}
	changed         chan struct{}
	done            chan struct{}
	connectTimer    *time.Timer
	disconnectTimer *time.Timer
}

func newConnection(m *Manager, id device.ID, opts Options, retries int64) *Connection {
	c := &Connection{
		id:      id,
		mgr:     m,
		opts:    opts,
		state:   device.StateDisconnected,
		retries: int(retries),
		mtu:     DefaultMTU,
		streams: make(map[device.CharRef]map[*ValueStream]struct{}),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.queue = gatt.NewQueue(id, gatt.DispatcherFunc(c.dispatch), m.seq, opts.OperationTimeout, m.logger)
	return c
}

// ID returns the remote device identifier.
func (c *Connection) ID() device.ID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cause returns the error that moved the connection to Failed, or the reason
// reported with an unsolicited disconnect.
func (c *Connection) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// RetryCount is the number of consecutive failed attempts for this device,
// including this one if it failed.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// MTU returns the negotiated ATT MTU.
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Done is closed once the connection reaches Disconnected or Failed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ----------------------------
// State transitions
// ----------------------------

func (c *Connection) transitionLocked(to device.State, cause error, requested bool) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	fields := logrus.Fields{
		"device_id": c.id,
		"from":      from,
		"to":        to,
	}
	if cause != nil {
		fields["error"] = cause
	}
	c.mgr.logger.WithFields(fields).Info("Connection state changed")

	if c.mgr.registry != nil {
		c.mgr.registry.SetState(c.id, to)
	}
	if c.mgr.bus != nil {
		c.mgr.bus.Publish(event.StateChanged{ID: c.id, From: from, To: to, Cause: cause, Requested: requested})
	}

	close(c.changed)
	c.changed = make(chan struct{})
	if to.IsTerminal() {
		close(c.done)
	}
}

func (c *Connection) beginConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(device.StateConnecting, nil, true)
	timeout := c.opts.ConnectTimeout
	c.connectTimer = time.AfterFunc(timeout, func() {
		if c.terminate(device.StateFailed, device.NewError(device.KindTimeout, "no connection within %s", timeout), false) {
			c.dropLink()
		}
	})
}

// fail moves a pending attempt to Failed.
func (c *Connection) fail(cause error) {
	c.terminate(device.StateFailed, cause, false)
}

// terminate moves the connection to a terminal state, drains its queue and
// closes its value streams. It reports false if the connection was already
// terminal.
func (c *Connection) terminate(to device.State, cause error, requested bool) bool {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	c.stopTimersLocked()
	c.services = nil
	c.cause = cause
	if to == device.StateFailed {
		c.retries = int(c.mgr.failureCounter(c.id).Add(1))
	}
	c.transitionLocked(to, cause, requested)
	streams := c.takeStreamsLocked()
	retries := c.retries
	c.mu.Unlock()

	drainErr := error(device.ErrCancelledByDisconnect)
	switch {
	case errors.Is(cause, device.ErrClosed):
		drainErr = cause
	case to == device.StateFailed:
		drainErr = cause
	}
	c.queue.Drain(drainErr)
	for _, s := range streams {
		s.closeWith(drainErr)
	}

	switch to {
	case device.StateFailed:
		if c.mgr.bus != nil {
			c.mgr.bus.Publish(event.ConnectionFailed{ID: c.id, Cause: cause, RetryCount: retries})
		}
	case device.StateDisconnected:
		c.mgr.remove(c)
	}
	return true
}

func (c *Connection) stopTimersLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
		c.disconnectTimer = nil
	}
}

// dropLink asks the adapter to tear the link down after a failure. The
// confirmation is ignored since the connection is already terminal.
func (c *Connection) dropLink() {
	if err := c.mgr.adapter.Disconnect(c.id); err != nil {
		c.mgr.logger.WithFields(logrus.Fields{
			"device_id": c.id,
			"error":     err,
		}).Debug("Best-effort disconnect failed")
	}
}

// ----------------------------
// Adapter events
// ----------------------------

func (c *Connection) onLinkState(ev event.ConnectionStateChanged) {
	switch ev.State {
	case device.StateConnected:
		c.mu.Lock()
		if c.state != device.StateConnecting {
			st := c.state
			c.mu.Unlock()
			c.mgr.logger.WithFields(logrus.Fields{
				"device_id": c.id,
				"state":     st,
			}).Warn("Ignoring link-up outside Connecting")
			return
		}
		c.stopTimersLocked()
		c.transitionLocked(device.StateConnected, nil, false)
		c.transitionLocked(device.StateDiscoveringServices, nil, false)
		c.mu.Unlock()

		if err := c.mgr.adapter.DiscoverServices(c.id); err != nil {
			if c.terminate(device.StateFailed, device.AdapterError(0, err), false) {
				c.dropLink()
			}
		}

	case device.StateDisconnected:
		st := c.State()
		switch st {
		case device.StateDisconnected, device.StateFailed:
			c.mgr.logger.WithField("device_id", c.id).Debug("Link-down for terminal connection")
		case device.StateConnecting:
			cause := device.AdapterError(0, ev.Err)
			if cause == nil {
				cause = device.NewError(device.KindAdapter, "connection attempt to %s failed", c.id)
			}
			c.terminate(device.StateFailed, cause, false)
		case device.StateDisconnecting:
			c.terminate(device.StateDisconnected, ev.Err, true)
		default:
			c.terminate(device.StateDisconnected, ev.Err, false)
		}

	default:
		c.mgr.logger.WithFields(logrus.Fields{
			"device_id": c.id,
			"state":     ev.State,
		}).Warn("Ignoring unexpected link state from adapter")
	}
}

func (c *Connection) onServices(ev event.ServicesDiscovered) {
	c.mu.Lock()
	if c.state != device.StateDiscoveringServices {
		st := c.state
		c.mu.Unlock()
		c.mgr.logger.WithFields(logrus.Fields{
			"device_id": c.id,
			"state":     st,
		}).Debug("Ignoring service discovery result")
		return
	}
	if ev.Err != nil {
		c.mu.Unlock()
		if c.terminate(device.StateFailed, device.AdapterError(0, ev.Err), false) {
			c.dropLink()
		}
		return
	}

	services := orderedmap.New[string, *device.Service]()
	for _, svc := range ev.Services {
		s := svc.Clone()
		s.UUID = device.NormalizeUUID(s.UUID)
		for i := range s.Characteristics {
			s.Characteristics[i].UUID = device.NormalizeUUID(s.Characteristics[i].UUID)
			s.Characteristics[i].ServiceUUID = s.UUID
		}
		services.Set(s.UUID, &s)
	}
	c.services = services
	c.retries = 0
	c.mgr.failureCounter(c.id).Store(0)

	c.queue.Open()
	if c.opts.PreferredMTU > 0 {
		if _, err := c.queue.Enqueue(gatt.MTU(c.opts.PreferredMTU)); err != nil {
			c.mgr.logger.WithField("device_id", c.id).WithError(err).Warn("Failed to queue MTU exchange")
		}
	}
	c.transitionLocked(device.StateReady, nil, false)
	c.mu.Unlock()
}

func (c *Connection) onOperation(ev event.OperationCompleted) {
	h := c.queue.Complete(ev.Seq, gatt.Result{Value: ev.Value, MTU: ev.MTU}, device.AdapterError(0, ev.Err))
	if h == nil || ev.Err != nil {
		return
	}
	switch op := h.Op(); op.Kind {
	case gatt.OpRead:
		c.cacheValue(op.Char, ev.Value)
	case gatt.OpMTU:
		if ev.MTU > 0 {
			c.mu.Lock()
			c.mtu = ev.MTU
			c.mu.Unlock()
			c.mgr.logger.WithFields(logrus.Fields{
				"device_id": c.id,
				"mtu":       ev.MTU,
			}).Info("MTU negotiated")
		}
	}
}

func (c *Connection) onValue(ev event.CharacteristicValueUpdated) {
	c.cacheValue(ev.Char, ev.Value)
}

func (c *Connection) cacheValue(ref device.CharRef, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services == nil {
		return
	}
	svc, ok := c.services.Get(ref.Service)
	if !ok {
		return
	}
	for i := range svc.Characteristics {
		if svc.Characteristics[i].UUID == ref.UUID {
			svc.Characteristics[i].Value = append([]byte{}, value...)
			return
		}
	}
}

func (c *Connection) dispatch(seq uint64, op gatt.Operation) error {
	a := c.mgr.adapter
	switch op.Kind {
	case gatt.OpRead:
		return a.ReadCharacteristic(c.id, seq, op.Char)
	case gatt.OpWrite:
		return a.WriteCharacteristic(c.id, seq, op.Char, op.Data, op.WithResponse)
	case gatt.OpSetNotify:
		return a.SetNotify(c.id, seq, op.Char, op.Enable)
	case gatt.OpMTU:
		return a.RequestMTU(c.id, seq, op.MTU)
	default:
		return device.NewError(device.KindUnsupported, "operation %q", op.Kind)
	}
}

// ----------------------------
// Caller API
// ----------------------------

func (c *Connection) waitFor(ctx context.Context, pred func(device.State) bool) (device.State, error) {
	for {
		c.mu.Lock()
		st, ch := c.state, c.changed
		c.mu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitReady blocks until the connection is Ready. It fails with the recorded
// cause if the connection ends first.
func (c *Connection) WaitReady(ctx context.Context) error {
	st, err := c.waitFor(ctx, func(s device.State) bool {
		return s == device.StateReady || s.IsTerminal()
	})
	if err != nil {
		return err
	}
	if st == device.StateReady {
		return nil
	}
	if cause := c.Cause(); cause != nil {
		return cause
	}
	return device.NewError(device.KindCancelledByDisconnect, "device %s disconnected", c.id)
}

// DiscoverServices returns the discovered services, waiting for the automatic
// discovery that follows link establishment to finish.
func (c *Connection) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	return c.Services()
}

// Services returns the discovered services in discovery order. It fails with
// device.ErrNotReady until the connection is Ready.
func (c *Connection) Services() ([]device.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != device.StateReady || c.services == nil {
		return nil, device.NotReady(c.id, c.state)
	}
	out := make([]device.Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out, nil
}

// Characteristic resolves a characteristic by "service/char" or by UUID alone,
// in which case the first match in discovery order wins.
func (c *Connection) Characteristic(char string) (device.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != device.StateReady || c.services == nil {
		return device.Characteristic{}, device.NotReady(c.id, c.state)
	}

	svcUUID, charUUID := "", char
	if i := strings.IndexByte(char, '/'); i >= 0 {
		svcUUID, charUUID = char[:i], char[i+1:]
	}
	want := device.NormalizeUUID(charUUID)

	if svcUUID != "" {
		svc, ok := c.services.Get(device.NormalizeUUID(svcUUID))
		if !ok {
			return device.Characteristic{}, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}}
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID == want {
				return ch, nil
			}
		}
		return device.Characteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, charUUID}}
	}

	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		for _, ch := range pair.Value.Characteristics {
			if ch.UUID == want {
				return ch, nil
			}
		}
	}
	return device.Characteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
}

// Enqueue submits op to the connection's GATT queue. The returned handle is
// already failed with device.ErrNotReady unless the connection is Ready.
func (c *Connection) Enqueue(op gatt.Operation) *gatt.Handle {
	if st := c.State(); st != device.StateReady {
		return gatt.Resolved(op, device.NotReady(c.id, st))
	}
	h, err := c.queue.Enqueue(op)
	if err != nil {
		return gatt.Resolved(op, device.NotReady(c.id, c.State()))
	}
	return h
}

// wait waits for h and cancels it if ctx ends first.
func wait(ctx context.Context, h *gatt.Handle) (gatt.Result, error) {
	res, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		h.Cancel()
	}
	return res, err
}

// Read reads a characteristic value. It fails with device.ErrUnsupported when
// the characteristic does not allow reads.
func (c *Connection) Read(ctx context.Context, char string) ([]byte, error) {
	ch, err := c.Characteristic(char)
	if err != nil {
		return nil, err
	}
	if ch.Properties != 0 && !ch.Properties.CanRead() {
		return nil, device.NewError(device.KindUnsupported, "characteristic %s does not support reads", ch.UUID)
	}
	res, err := wait(ctx, c.Enqueue(gatt.Read(ch.Ref())))
	return res.Value, err
}

// Write writes a characteristic value. Without response the call returns once
// the adapter accepted the write. It fails with device.ErrUnsupported when the
// characteristic does not allow the requested write mode.
func (c *Connection) Write(ctx context.Context, char string, data []byte, withResponse bool) error {
	ch, err := c.Characteristic(char)
	if err != nil {
		return err
	}
	if ch.Properties != 0 && !ch.Properties.CanWrite(withResponse) {
		mode := "write without response"
		if withResponse {
			mode = "write with response"
		}
		return device.NewError(device.KindUnsupported, "characteristic %s does not support %s", ch.UUID, mode)
	}
	_, err = wait(ctx, c.Enqueue(gatt.Write(ch.Ref(), data, withResponse)))
	return err
}

// RequestMTU negotiates the ATT MTU and returns the agreed value.
func (c *Connection) RequestMTU(ctx context.Context, mtu int) (int, error) {
	res, err := wait(ctx, c.Enqueue(gatt.MTU(mtu)))
	if err != nil {
		return 0, err
	}
	return res.MTU, nil
}

// Disconnect tears the connection down. Queued operations complete with
// device.ErrCancelledByDisconnect. It returns once the adapter confirms, or the
// disconnect timeout forces the connection to Disconnected. It fails with
// device.ErrInvalidState if the connection is already Disconnected or Failed.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	if st.IsTerminal() {
		c.mu.Unlock()
		return device.InvalidState("disconnect", st)
	}
	first := st != device.StateDisconnecting
	if first {
		c.stopTimersLocked()
		c.queue.Suspend()
		c.transitionLocked(device.StateDisconnecting, nil, true)
		timeout := c.opts.DisconnectTimeout
		c.disconnectTimer = time.AfterFunc(timeout, func() {
			if c.State() != device.StateDisconnecting {
				return
			}
			c.mgr.logger.WithFields(logrus.Fields{
				"device_id": c.id,
				"timeout":   timeout,
			}).Warn("Adapter did not confirm disconnect, forcing Disconnected")
			c.terminate(device.StateDisconnected, nil, true)
		})
	}
	done := c.done
	c.mu.Unlock()

	if first {
		if err := c.mgr.adapter.Disconnect(c.id); err != nil {
			c.mgr.logger.WithFields(logrus.Fields{
				"device_id": c.id,
				"error":     err,
			}).Warn("Adapter rejected disconnect, treating link as down")
			c.terminate(device.StateDisconnected, nil, true)
		}
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) shutdown() {
	if c.State().IsTerminal() {
		return
	}
	if c.terminate(device.StateDisconnected, device.ErrClosed, true) {
		c.dropLink()
	}
}
