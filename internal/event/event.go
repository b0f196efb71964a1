// Package event defines the tagged events exchanged between platform adapters,
// the session core and subscribers.
//
// Adapter events (ScanResult, ConnectionStateChanged, ...) are produced by an
// adapter.Adapter. Core events (DeviceDiscovered, StateChanged, ...) are produced
// by the session after it has applied an adapter event to its own state.
package event

import (
	"time"

	"github.com/srg/blecore/internal/device"
)

// Kind names an event type for logging and filtering.
type Kind string

const (
	KindScanResult                 Kind = "scan_result"
	KindScanStopped                Kind = "scan_stopped"
	KindConnectionStateChanged     Kind = "connection_state_changed"
	KindServicesDiscovered         Kind = "services_discovered"
	KindCharacteristicValueUpdated Kind = "characteristic_value_updated"
	KindOperationCompleted         Kind = "operation_completed"
	KindAdvertisingStateChanged    Kind = "advertising_state_changed"

	KindDeviceDiscovered Kind = "device_discovered"
	KindScanTimedOut     Kind = "scan_timed_out"
	KindStateChanged     Kind = "state_changed"
	KindConnectionFailed Kind = "connection_failed"
	KindOverflow         Kind = "overflow"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	isEvent()
}

// ScanResult is one advertisement observed by the adapter.
type ScanResult struct {
	ID               device.ID
	Name             string
	RSSI             int
	TxPower          *int
	Connectable      bool
	Services         []string
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	Time             time.Time
}

// Record converts the observation into a registry record. Connection state is
// left empty so an upsert never overrides it.
func (e ScanResult) Record() device.Record {
	r := device.Record{
		ID:               e.ID,
		Name:             e.Name,
		RSSI:             e.RSSI,
		TxPower:          e.TxPower,
		Connectable:      &e.Connectable,
		ManufacturerData: e.ManufacturerData,
		ServiceData:      e.ServiceData,
		UpdatedAt:        e.Time,
	}
	if e.Services != nil {
		r.Services = device.ServiceSet(e.Services)
	}
	return r.Clone()
}

// ScanStopped reports the adapter ended a scan on its own (radio off, platform error).
type ScanStopped struct {
	Err error
}

// ConnectionStateChanged reports a link-level change. State is either
// device.StateConnected or device.StateDisconnected; Err carries the platform
// reason for a failed attempt or an unexpected link loss.
type ConnectionStateChanged struct {
	ID    device.ID
	State device.State
	Err   error
}

// ServicesDiscovered completes a DiscoverServices command.
type ServicesDiscovered struct {
	ID       device.ID
	Services []device.Service
	Err      error
}

// CharacteristicValueUpdated is a notification or indication from the remote.
type CharacteristicValueUpdated struct {
	ID    device.ID
	Char  device.CharRef
	Value []byte
}

// OperationCompleted acknowledges the GATT command dispatched with Seq.
// Value is set for reads, MTU for MTU exchanges.
type OperationCompleted struct {
	ID    device.ID
	Seq   uint64
	Value []byte
	MTU   int
	Err   error
}

// AdvertisingStateChanged confirms a start or stop advertising command.
type AdvertisingStateChanged struct {
	Active bool
	Err    error
}

// DeviceDiscovered is emitted by the scan controller for every non-duplicate result.
type DeviceDiscovered struct {
	ScanID uint64
	Record device.Record
}

// ScanTimedOut is emitted once when a scan session reaches its timeout.
type ScanTimedOut struct {
	ScanID uint64
}

// StateChanged is emitted on every connection state transition. Requested is
// true when the transition follows a caller's Connect or Disconnect rather
// than the remote device or the radio.
type StateChanged struct {
	ID        device.ID
	From      device.State
	To        device.State
	Cause     error
	Requested bool
}

// ConnectionFailed is emitted when a connection enters the Failed state.
type ConnectionFailed struct {
	ID         device.ID
	Cause      error
	RetryCount int
}

// Overflow tells a subscriber that Dropped events were discarded because its
// buffer was full. It is delivered to that subscriber only.
type Overflow struct {
	Dropped uint64
}

func (ScanResult) Kind() Kind                 { return KindScanResult }
func (ScanStopped) Kind() Kind                { return KindScanStopped }
func (ConnectionStateChanged) Kind() Kind     { return KindConnectionStateChanged }
func (ServicesDiscovered) Kind() Kind         { return KindServicesDiscovered }
func (CharacteristicValueUpdated) Kind() Kind { return KindCharacteristicValueUpdated }
func (OperationCompleted) Kind() Kind         { return KindOperationCompleted }
func (AdvertisingStateChanged) Kind() Kind    { return KindAdvertisingStateChanged }
func (DeviceDiscovered) Kind() Kind           { return KindDeviceDiscovered }
func (ScanTimedOut) Kind() Kind               { return KindScanTimedOut }
func (StateChanged) Kind() Kind               { return KindStateChanged }
func (ConnectionFailed) Kind() Kind           { return KindConnectionFailed }
func (Overflow) Kind() Kind                   { return KindOverflow }

func (ScanResult) isEvent()                 {}
func (ScanStopped) isEvent()                {}
func (ConnectionStateChanged) isEvent()     {}
func (ServicesDiscovered) isEvent()         {}
func (CharacteristicValueUpdated) isEvent() {}
func (OperationCompleted) isEvent()         {}
func (AdvertisingStateChanged) isEvent()    {}
func (DeviceDiscovered) isEvent()           {}
func (ScanTimedOut) isEvent()               {}
func (StateChanged) isEvent()               {}
func (ConnectionFailed) isEvent()           {}
func (Overflow) isEvent()                   {}

// DeviceOf returns the device an event concerns, if any.
func DeviceOf(e Event) (device.ID, bool) {
	switch ev := e.(type) {
	case ScanResult:
		return ev.ID, true
	case ConnectionStateChanged:
		return ev.ID, true
	case ServicesDiscovered:
		return ev.ID, true
	case CharacteristicValueUpdated:
		return ev.ID, true
	case OperationCompleted:
		return ev.ID, true
	case DeviceDiscovered:
		return ev.Record.ID, true
	case StateChanged:
		return ev.ID, true
	case ConnectionFailed:
		return ev.ID, true
	}
	return "", false
}
