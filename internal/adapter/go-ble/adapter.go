package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/groutine"
)

// DefaultEventBuffer is the capacity of the Events channel.
const DefaultEventBuffer = 256

// ScanStopTimeout bounds how long StopScan waits for the platform scan to wind down.
var ScanStopTimeout = 2 * time.Second

// run is a cancellable background activity (scan, advertising).
type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

func newRun(cancel context.CancelFunc) *run {
	return &run{cancel: cancel, done: make(chan struct{})}
}

// wait reports whether the activity exited within timeout.
func (r *run) wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return true
	case <-t.C:
		return false
	}
}

// Adapter implements adapter.Adapter and adapter.Advertiser on a go-ble Host.
type Adapter struct {
	host   Host
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	links map[device.ID]*link
	scan  *run
	// stopping is a scan cancelled by StopScan whose platform teardown has not finished
	stopping *run
	adv      *run
	closed   bool

	emitMu       sync.RWMutex
	eventsClosed bool
	events       chan event.Event
	done         chan struct{}
	routines     groutine.Group
}

var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.Advertiser = (*Adapter)(nil)
)

// New creates an adapter driving host.
func New(host Host, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		host:   host,
		logger: logger,
		now:    time.Now,
		links:  make(map[device.ID]*link),
		events: make(chan event.Event, DefaultEventBuffer),
		done:   make(chan struct{}),
	}
}

// Open creates an adapter on the platform Bluetooth device.
func Open(logger *logrus.Logger) (*Adapter, error) {
	host, err := NewHost()
	if err != nil {
		return nil, err
	}
	return New(host, logger), nil
}

// Events implements adapter.Adapter.
func (a *Adapter) Events() <-chan event.Event {
	return a.events
}

// emit delivers e unless the adapter is closing.
func (a *Adapter) emit(e event.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.eventsClosed {
		return
	}
	select {
	case a.events <- e:
	case <-a.done:
	}
}

// spawn runs fn on a named goroutine tracked by Close.
func (a *Adapter) spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	a.routines.Go(ctx, name, fn)
}

// ----------------------------------------------------------------------------
// Scanning
// ----------------------------------------------------------------------------

// StartScan implements adapter.Adapter. A running scan must be stopped first.
// A scan still winding down after StopScan is waited for, so its teardown can
// never switch the new scan off.
func (a *Adapter) StartScan(ctx context.Context, filter adapter.ScanFilter) error {
	a.mu.Lock()
	prev := a.stopping
	a.mu.Unlock()
	if prev != nil {
		if !prev.wait(ScanStopTimeout) {
			return device.AdapterError(0, errors.New("previous scan is still stopping"))
		}
		a.mu.Lock()
		if a.stopping == prev {
			a.stopping = nil
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return device.ErrClosed
	}
	if a.scan != nil || a.stopping != nil {
		a.mu.Unlock()
		return device.NewError(device.KindAlreadyScanning, "scan in progress")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	r := newRun(cancel)
	a.scan = r
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"services":         filter.Services,
		"allow_duplicates": filter.AllowDuplicates,
	}).Debug("Starting BLE scan")

	a.spawn(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(r.done)
		defer cancel()
		err := a.host.Scan(ctx, filter.AllowDuplicates, func(adv ble.Advertisement) {
			if r.stopped.Load() {
				return
			}
			res := scanResult(adv, a.now())
			if res.ID == "" || !matchesServices(res, filter.Services) {
				return
			}
			a.emit(res)
		})

		a.mu.Lock()
		current := a.scan == r
		if current {
			a.scan = nil
		}
		a.mu.Unlock()
		if !current {
			return
		}

		if isContextDone(err) {
			err = nil
		}
		if err != nil {
			a.logger.WithField("error", err).Warn("BLE scan ended with error")
		}
		a.emit(event.ScanStopped{Err: NormalizeError(err)})
	})
	return nil
}

// StopScan implements adapter.Adapter. It returns once the platform scan has
// exited or ScanStopTimeout elapsed. No ScanStopped event follows a requested
// stop, and advertisements reported after it are dropped.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	r := a.scan
	a.scan = nil
	if r != nil {
		a.stopping = r
	}
	a.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stopped.Store(true)
	r.cancel()
	if !r.wait(ScanStopTimeout) {
		a.logger.WithField("timeout", ScanStopTimeout).Warn("BLE scan did not wind down in time")
		return nil
	}
	a.mu.Lock()
	if a.stopping == r {
		a.stopping = nil
	}
	a.mu.Unlock()
	a.logger.Debug("BLE scan stopped")
	return nil
}

// ----------------------------------------------------------------------------
// Advertising
// ----------------------------------------------------------------------------

// StartAdvertising implements adapter.Advertiser. An active broadcast is replaced.
func (a *Adapter) StartAdvertising(ctx context.Context, data adapter.AdvertisingData) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return device.ErrClosed
	}
	if a.adv != nil {
		a.adv.cancel()
	}
	advCtx, cancel := context.WithCancel(ctx)
	r := newRun(cancel)
	a.adv = r
	a.mu.Unlock()

	a.spawn(advCtx, "ble-advertise", func(ctx context.Context) {
		defer cancel()
		a.emit(event.AdvertisingStateChanged{Active: true})
		a.logger.WithFields(logrus.Fields{
			"company_id": data.CompanyID,
			"bytes":      len(data.ManufacturerData),
		}).Info("Advertising manufacturer data")

		err := a.host.AdvertiseMfgData(ctx, data.CompanyID, data.ManufacturerData)

		a.mu.Lock()
		current := a.adv == r
		if current {
			a.adv = nil
		}
		a.mu.Unlock()
		if !current {
			return
		}
		if isContextDone(err) {
			err = nil
		}
		a.emit(event.AdvertisingStateChanged{Active: false, Err: NormalizeError(err)})
	})
	return nil
}

// StopAdvertising implements adapter.Advertiser.
func (a *Adapter) StopAdvertising() error {
	a.mu.Lock()
	r := a.adv
	a.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	return nil
}

// ----------------------------------------------------------------------------
// Connections
// ----------------------------------------------------------------------------

func (a *Adapter) link(id device.ID) (*link, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, device.ErrClosed
	}
	l, ok := a.links[id]
	if !ok {
		return nil, device.AdapterError(0, ErrNotConnected)
	}
	return l, nil
}

// Connect implements adapter.Adapter.
func (a *Adapter) Connect(id device.ID, opts adapter.ConnectOptions) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return device.ErrClosed
	}
	if _, ok := a.links[id]; ok {
		a.mu.Unlock()
		return device.AdapterError(0, ErrAlreadyConnected)
	}
	l := newLink(id, a.logger)
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	l.cancelDial = cancel
	a.links[id] = l
	a.mu.Unlock()

	a.spawn(ctx, "ble-dial-"+string(id), func(ctx context.Context) {
		a.dial(ctx, l)
	})
	return nil
}

func (a *Adapter) dial(ctx context.Context, l *link) {
	defer l.cancelDial()

	l.logger.Info("Connecting to BLE device...")
	client, err := a.host.Connect(ctx, ble.NewAddr(string(l.id)))

	l.mu.Lock()
	requested, stopped := l.requested, l.stopped
	if err == nil && !requested && !stopped {
		l.client = client
	}
	l.mu.Unlock()

	if err != nil {
		if stopped {
			a.dropLink(l)
			return
		}
		if requested {
			err = nil
		} else {
			l.logger.WithField("error", err).Warn("Failed to dial BLE device")
		}
		a.finish(l, NormalizeError(err))
		return
	}

	if requested || stopped {
		if cerr := client.CancelConnection(); cerr != nil {
			l.logger.WithField("error", cerr).Debug("Cancel after aborted dial failed")
		}
		if stopped {
			a.dropLink(l)
			return
		}
		a.finish(l, nil)
		return
	}

	l.start(context.Background(), &a.routines)
	l.logger.Info("BLE device connected")
	a.emit(event.ConnectionStateChanged{ID: l.id, State: device.StateConnected})

	a.spawn(context.Background(), "ble-connection-monitor-"+string(l.id), func(context.Context) {
		select {
		case <-client.Disconnected():
		case <-l.stop:
			return
		case <-a.done:
			return
		}

		l.mu.Lock()
		requested := l.requested
		l.mu.Unlock()

		var cause error
		if !requested {
			l.logger.Warn("BLE link lost")
			cause = device.AdapterError(0, ErrNotConnected)
		} else {
			l.logger.Info("BLE device disconnected")
		}
		a.finish(l, cause)
	})
}

// finish drops l and reports the link as disconnected, once per link.
func (a *Adapter) finish(l *link, cause error) {
	l.endOnce.Do(func() {
		a.dropLink(l)
		a.emit(event.ConnectionStateChanged{ID: l.id, State: device.StateDisconnected, Err: cause})
	})
}

func (a *Adapter) dropLink(l *link) {
	a.mu.Lock()
	if a.links[l.id] == l {
		delete(a.links, l.id)
	}
	a.mu.Unlock()
	l.shutdown()
}

// Disconnect implements adapter.Adapter. A pending dial is aborted.
func (a *Adapter) Disconnect(id device.ID) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.requested = true
	client := l.client
	l.mu.Unlock()

	if client == nil {
		l.cancelDial()
		return nil
	}

	a.spawn(context.Background(), "ble-disconnect-"+string(id), func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
			a.finish(l, NormalizeError(err))
		}
	})
	return nil
}

// DiscoverServices implements adapter.Adapter.
func (a *Adapter) DiscoverServices(id device.ID) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	return l.submit(func(c Client) {
		l.logger.Debug("Discovering services and characteristics...")
		p, err := c.DiscoverProfile(true)
		if err != nil {
			a.emit(event.ServicesDiscovered{ID: id, Err: NormalizeError(err)})
			return
		}
		l.setProfile(p)
		services := convertProfile(p)
		l.logger.WithField("services", len(services)).Debug("Profile discovered successfully")
		a.emit(event.ServicesDiscovered{ID: id, Services: services})
	})
}

// ReadCharacteristic implements adapter.Adapter.
func (a *Adapter) ReadCharacteristic(id device.ID, seq uint64, char device.CharRef) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	return l.submit(func(c Client) {
		ch, err := l.characteristic(char)
		if err != nil {
			a.emit(event.OperationCompleted{ID: id, Seq: seq, Err: err})
			return
		}
		v, err := c.ReadCharacteristic(ch)
		a.emit(event.OperationCompleted{ID: id, Seq: seq, Value: v, Err: NormalizeError(err)})
	})
}

// WriteCharacteristic implements adapter.Adapter.
func (a *Adapter) WriteCharacteristic(id device.ID, seq uint64, char device.CharRef, data []byte, withResponse bool) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	data = append([]byte(nil), data...)
	return l.submit(func(c Client) {
		ch, err := l.characteristic(char)
		if err == nil {
			err = NormalizeError(c.WriteCharacteristic(ch, data, !withResponse))
		}
		if withResponse {
			a.emit(event.OperationCompleted{ID: id, Seq: seq, Err: err})
		} else if err != nil {
			l.logger.WithFields(logrus.Fields{
				"char":  char.String(),
				"error": err,
			}).Warn("Write without response failed")
		}
	})
}

// SetNotify implements adapter.Adapter.
func (a *Adapter) SetNotify(id device.ID, seq uint64, char device.CharRef, enable bool) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	return l.submit(func(c Client) {
		ch, err := l.characteristic(char)
		if err != nil {
			a.emit(event.OperationCompleted{ID: id, Seq: seq, Err: err})
			return
		}
		ind := subscribesWithIndication(ch)
		if enable {
			err = c.Subscribe(ch, ind, func(b []byte) {
				a.emit(event.CharacteristicValueUpdated{ID: id, Char: char, Value: append([]byte(nil), b...)})
			})
		} else {
			err = c.Unsubscribe(ch, ind)
		}
		a.emit(event.OperationCompleted{ID: id, Seq: seq, Err: NormalizeError(err)})
	})
}

// RequestMTU implements adapter.Adapter.
func (a *Adapter) RequestMTU(id device.ID, seq uint64, mtu int) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	return l.submit(func(c Client) {
		n, err := c.ExchangeMTU(mtu)
		a.emit(event.OperationCompleted{ID: id, Seq: seq, MTU: n, Err: NormalizeError(err)})
	})
}

// Close implements adapter.Adapter. Links are cancelled without events and the
// Events channel is closed once every background goroutine has exited.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, r := range []*run{a.scan, a.stopping, a.adv} {
		if r != nil {
			r.stopped.Store(true)
			r.cancel()
		}
	}
	a.scan, a.stopping, a.adv = nil, nil, nil
	links := make([]*link, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	a.links = make(map[device.ID]*link)
	a.mu.Unlock()

	for _, l := range links {
		l.mu.Lock()
		client := l.client
		l.mu.Unlock()
		l.shutdown()
		l.cancelDial()
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				l.logger.WithField("error", err).Debug("Cancel connection on close failed")
			}
		}
	}

	close(a.done)
	a.routines.Wait()

	a.emitMu.Lock()
	a.eventsClosed = true
	close(a.events)
	a.emitMu.Unlock()

	if err := a.host.Stop(); err != nil {
		a.logger.WithField("error", err).Debug("BLE host stop failed")
		return NormalizeError(err)
	}
	return nil
}
