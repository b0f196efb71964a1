package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srg/blecore/internal/adapter"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

// Call records one command received by FakeAdapter.
type Call struct {
	Method       string
	ID           device.ID
	Seq          uint64
	Char         device.CharRef
	Data         []byte
	WithResponse bool
	Enable       bool
	MTU          int
	Filter       adapter.ScanFilter
	Adv          adapter.AdvertisingData
}

// FakePeripheral is a remote device simulated by FakeAdapter.
type FakePeripheral struct {
	ID       device.ID
	Adv      *event.ScanResult
	Services []device.Service
	// MaxMTU caps MTU exchanges, 247 when zero.
	MaxMTU int
	// Errors maps a characteristic UUID to the error returned by reads and writes.
	Errors map[string]error
}

func (p *FakePeripheral) char(ref device.CharRef) (*device.Characteristic, error) {
	for i := range p.Services {
		if p.Services[i].UUID != ref.Service {
			continue
		}
		for j := range p.Services[i].Characteristics {
			if p.Services[i].Characteristics[j].UUID == ref.UUID {
				return &p.Services[i].Characteristics[j], nil
			}
		}
	}
	return nil, device.AdapterError(0x0a, errors.New("attribute not found"))
}

// FakeAdapter is an in-memory adapter.Adapter and adapter.Advertiser.
//
// By default every command is acknowledged immediately with the outcome a
// well-behaved peripheral would produce. The Hold* switches suppress the
// acknowledgement so a test can deliver it later with Emit, out of order, or
// not at all. Change switches with Update once the fake is in use.
type FakeAdapter struct {
	mu          sync.Mutex
	peripherals map[device.ID]*FakePeripheral
	connected   map[device.ID]bool
	scanning    bool
	advertising bool
	calls       []Call
	callCh      chan Call

	HoldConnect     bool
	HoldDisconnect  bool
	HoldDiscovery   bool
	HoldOperations  bool
	HoldAdvertising bool

	// DiscoveryErr fails every service discovery.
	DiscoveryErr error
	// Refuse makes the named command return the error synchronously.
	Refuse map[string]error

	queueMu sync.Mutex
	queue   []event.Event
	signal  chan struct{}
	events  chan event.Event
	closed  chan struct{}
	once    sync.Once
}

// NewFakeAdapter creates a fake adapter knowing the given peripherals.
func NewFakeAdapter(peripherals ...*FakePeripheral) *FakeAdapter {
	f := &FakeAdapter{
		peripherals: make(map[device.ID]*FakePeripheral),
		connected:   make(map[device.ID]bool),
		callCh:      make(chan Call, 1024),
		Refuse:      make(map[string]error),
		signal:      make(chan struct{}, 1),
		events:      make(chan event.Event),
		closed:      make(chan struct{}),
	}
	for _, p := range peripherals {
		f.peripherals[p.ID] = p
	}
	go f.run()
	return f
}

// AddPeripheral makes p known to the adapter.
func (f *FakeAdapter) AddPeripheral(p *FakePeripheral) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peripherals[p.ID] = p
}

// run forwards queued events in order; Emit never blocks.
func (f *FakeAdapter) run() {
	defer close(f.events)
	for {
		f.queueMu.Lock()
		var next event.Event
		if len(f.queue) > 0 {
			next = f.queue[0]
			f.queue = f.queue[1:]
		}
		f.queueMu.Unlock()

		if next == nil {
			select {
			case <-f.signal:
				continue
			case <-f.closed:
				return
			}
		}
		select {
		case f.events <- next:
		case <-f.closed:
			return
		}
	}
}

// Emit queues an event for delivery on Events.
func (f *FakeAdapter) Emit(events ...event.Event) {
	f.queueMu.Lock()
	f.queue = append(f.queue, events...)
	f.queueMu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Notify emits a value update from a connected peripheral.
func (f *FakeAdapter) Notify(id device.ID, ref device.CharRef, value []byte) {
	f.Emit(event.CharacteristicValueUpdated{ID: id, Char: ref, Value: value})
}

// DropLink simulates an unsolicited link loss.
func (f *FakeAdapter) DropLink(id device.ID, reason error) {
	f.mu.Lock()
	delete(f.connected, id)
	f.mu.Unlock()
	f.Emit(event.ConnectionStateChanged{ID: id, State: device.StateDisconnected, Err: reason})
}

func (f *FakeAdapter) record(c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.Refuse[c.Method]
	f.mu.Unlock()
	select {
	case f.callCh <- c:
	default:
	}
	return err
}

// Update changes the fake's behaviour switches while it is in use.
func (f *FakeAdapter) Update(fn func(f *FakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *FakeAdapter) holding(flag *bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *flag
}

// Calls returns every recorded command, optionally only those named method.
func (f *FakeAdapter) Calls(method ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if len(method) == 0 || c.Method == method[0] {
			out = append(out, c)
		}
	}
	return out
}

// WaitCall waits for the next recorded command named method, skipping others.
func (f *FakeAdapter) WaitCall(t *testing.T, method string) Call {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-f.callCh:
			if c.Method == method {
				return c
			}
		case <-timeout:
			t.Fatalf("adapter command %s not received", method)
			return Call{}
		}
	}
}

// Scanning reports whether a scan is running.
func (f *FakeAdapter) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// Connected reports whether the adapter holds a link to id.
func (f *FakeAdapter) Connected(id device.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *FakeAdapter) StartScan(_ context.Context, filter adapter.ScanFilter) error {
	if err := f.record(Call{Method: "StartScan", Filter: filter}); err != nil {
		return err
	}
	f.mu.Lock()
	f.scanning = true
	var results []event.Event
	for _, p := range f.peripherals {
		if p.Adv != nil {
			results = append(results, *p.Adv)
		}
	}
	f.mu.Unlock()
	f.Emit(results...)
	return nil
}

func (f *FakeAdapter) StopScan() error {
	if err := f.record(Call{Method: "StopScan"}); err != nil {
		return err
	}
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) Connect(id device.ID, _ adapter.ConnectOptions) error {
	if err := f.record(Call{Method: "Connect", ID: id}); err != nil {
		return err
	}
	if f.holding(&f.HoldConnect) {
		return nil
	}
	f.mu.Lock()
	_, known := f.peripherals[id]
	if known {
		f.connected[id] = true
	}
	f.mu.Unlock()
	if !known {
		f.Emit(event.ConnectionStateChanged{ID: id, State: device.StateDisconnected, Err: fmt.Errorf("peripheral %s not found", id)})
		return nil
	}
	f.Emit(event.ConnectionStateChanged{ID: id, State: device.StateConnected})
	return nil
}

func (f *FakeAdapter) Disconnect(id device.ID) error {
	if err := f.record(Call{Method: "Disconnect", ID: id}); err != nil {
		return err
	}
	if f.holding(&f.HoldDisconnect) {
		return nil
	}
	f.mu.Lock()
	delete(f.connected, id)
	f.mu.Unlock()
	f.Emit(event.ConnectionStateChanged{ID: id, State: device.StateDisconnected})
	return nil
}

func (f *FakeAdapter) DiscoverServices(id device.ID) error {
	if err := f.record(Call{Method: "DiscoverServices", ID: id}); err != nil {
		return err
	}
	if f.holding(&f.HoldDiscovery) {
		return nil
	}
	f.mu.Lock()
	if f.DiscoveryErr != nil {
		err := f.DiscoveryErr
		f.mu.Unlock()
		f.Emit(event.ServicesDiscovered{ID: id, Err: err})
		return nil
	}
	var services []device.Service
	if p, ok := f.peripherals[id]; ok {
		// Discovery reports the attribute layout only, never values
		for _, s := range p.Services {
			c := s.Clone()
			for i := range c.Characteristics {
				c.Characteristics[i].Value = nil
			}
			services = append(services, c)
		}
	}
	f.mu.Unlock()
	f.Emit(event.ServicesDiscovered{ID: id, Services: services})
	return nil
}

func (f *FakeAdapter) peripheral(id device.ID) (*FakePeripheral, error) {
	p, ok := f.peripherals[id]
	if !ok || !f.connected[id] {
		return nil, device.AdapterError(0, fmt.Errorf("device %s not connected", id))
	}
	return p, nil
}

func (f *FakeAdapter) ReadCharacteristic(id device.ID, seq uint64, char device.CharRef) error {
	if err := f.record(Call{Method: "ReadCharacteristic", ID: id, Seq: seq, Char: char}); err != nil {
		return err
	}
	if f.holding(&f.HoldOperations) {
		return nil
	}
	f.mu.Lock()
	ev := event.OperationCompleted{ID: id, Seq: seq}
	p, err := f.peripheral(id)
	if err == nil {
		var c *device.Characteristic
		if c, err = p.char(char); err == nil {
			if perr := p.Errors[char.UUID]; perr != nil {
				err = perr
			} else {
				ev.Value = append([]byte{}, c.Value...)
			}
		}
	}
	ev.Err = err
	f.mu.Unlock()
	f.Emit(ev)
	return nil
}

func (f *FakeAdapter) WriteCharacteristic(id device.ID, seq uint64, char device.CharRef, data []byte, withResponse bool) error {
	if err := f.record(Call{Method: "WriteCharacteristic", ID: id, Seq: seq, Char: char, Data: append([]byte(nil), data...), WithResponse: withResponse}); err != nil {
		return err
	}
	f.mu.Lock()
	p, err := f.peripheral(id)
	if err == nil {
		var c *device.Characteristic
		if c, err = p.char(char); err == nil {
			if perr := p.Errors[char.UUID]; perr != nil {
				err = perr
			} else {
				c.Value = append([]byte(nil), data...)
			}
		}
	}
	f.mu.Unlock()
	if !withResponse || f.holding(&f.HoldOperations) {
		return nil
	}
	f.Emit(event.OperationCompleted{ID: id, Seq: seq, Err: err})
	return nil
}

func (f *FakeAdapter) SetNotify(id device.ID, seq uint64, char device.CharRef, enable bool) error {
	if err := f.record(Call{Method: "SetNotify", ID: id, Seq: seq, Char: char, Enable: enable}); err != nil {
		return err
	}
	if f.holding(&f.HoldOperations) {
		return nil
	}
	f.mu.Lock()
	p, err := f.peripheral(id)
	if err == nil {
		_, err = p.char(char)
	}
	f.mu.Unlock()
	f.Emit(event.OperationCompleted{ID: id, Seq: seq, Err: err})
	return nil
}

func (f *FakeAdapter) RequestMTU(id device.ID, seq uint64, mtu int) error {
	if err := f.record(Call{Method: "RequestMTU", ID: id, Seq: seq, MTU: mtu}); err != nil {
		return err
	}
	if f.holding(&f.HoldOperations) {
		return nil
	}
	f.mu.Lock()
	ev := event.OperationCompleted{ID: id, Seq: seq}
	p, err := f.peripheral(id)
	if err == nil {
		limit := p.MaxMTU
		if limit == 0 {
			limit = 247
		}
		ev.MTU = min(mtu, limit)
	}
	ev.Err = err
	f.mu.Unlock()
	f.Emit(ev)
	return nil
}

func (f *FakeAdapter) StartAdvertising(_ context.Context, data adapter.AdvertisingData) error {
	if err := f.record(Call{Method: "StartAdvertising", Adv: data}); err != nil {
		return err
	}
	if f.holding(&f.HoldAdvertising) {
		return nil
	}
	f.mu.Lock()
	f.advertising = true
	f.mu.Unlock()
	f.Emit(event.AdvertisingStateChanged{Active: true})
	return nil
}

func (f *FakeAdapter) StopAdvertising() error {
	if err := f.record(Call{Method: "StopAdvertising"}); err != nil {
		return err
	}
	f.mu.Lock()
	f.advertising = false
	f.mu.Unlock()
	if !f.holding(&f.HoldAdvertising) {
		f.Emit(event.AdvertisingStateChanged{Active: false})
	}
	return nil
}

// Advertising reports whether the fake is broadcasting.
func (f *FakeAdapter) Advertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

func (f *FakeAdapter) Events() <-chan event.Event {
	return f.events
}

func (f *FakeAdapter) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

var (
	_ adapter.Adapter    = (*FakeAdapter)(nil)
	_ adapter.Advertiser = (*FakeAdapter)(nil)
)
