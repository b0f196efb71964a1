// Package adapter defines the contract between the platform-independent session
// core and a platform Bluetooth backend (CoreBluetooth, BlueZ, Android GATT).
//
// Commands return as soon as the backend has accepted them; their outcome is
// reported later on the Events channel. A returned error means the command was
// refused before reaching the radio.
//
// Commands must not block on delivery of their own events: the core issues
// commands while holding locks that its event handlers also take.
package adapter

import (
	"context"
	"time"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

// ScanFilter narrows the advertisements a backend reports. Backends may ignore
// it; the scan controller applies the same filter again.
type ScanFilter struct {
	// Services keeps advertisements announcing at least one of these service UUIDs.
	Services []string
	// AllowDuplicates asks the backend to report repeated advertisements.
	AllowDuplicates bool
}

// ConnectOptions configure a connection attempt at the backend.
type ConnectOptions struct {
	Timeout time.Duration
}

// Adapter is implemented by every platform backend.
//
// Completion events:
//   - StartScan: ScanResult for each advertisement, ScanStopped if the backend ends the scan itself
//   - Connect: ConnectionStateChanged(Connected) or ConnectionStateChanged(Disconnected, err)
//   - Disconnect: ConnectionStateChanged(Disconnected)
//   - DiscoverServices: ServicesDiscovered
//   - ReadCharacteristic, WriteCharacteristic, SetNotify, RequestMTU: OperationCompleted with the same seq
//
// Notifications arrive as CharacteristicValueUpdated once SetNotify(enable) completed.
type Adapter interface {
	StartScan(ctx context.Context, filter ScanFilter) error
	StopScan() error

	Connect(id device.ID, opts ConnectOptions) error
	Disconnect(id device.ID) error
	DiscoverServices(id device.ID) error

	ReadCharacteristic(id device.ID, seq uint64, char device.CharRef) error
	// WriteCharacteristic without response completes with no OperationCompleted event.
	WriteCharacteristic(id device.ID, seq uint64, char device.CharRef, data []byte, withResponse bool) error
	SetNotify(id device.ID, seq uint64, char device.CharRef, enable bool) error
	RequestMTU(id device.ID, seq uint64, mtu int) error

	// Events is the single inbound event stream. It is closed by Close.
	Events() <-chan event.Event
	Close() error
}

// AdvertisingData is the payload broadcast by an Advertiser.
type AdvertisingData struct {
	CompanyID        uint16
	ManufacturerData []byte
	LocalName        string
}

// Advertiser is implemented by backends that can act as a peripheral
// broadcaster. Outcomes are reported as AdvertisingStateChanged events.
type Advertiser interface {
	StartAdvertising(ctx context.Context, data AdvertisingData) error
	StopAdvertising() error
}

// AsAdvertiser returns the advertising capability of a, if it has one.
func AsAdvertiser(a Adapter) (Advertiser, bool) {
	adv, ok := a.(Advertiser)
	return adv, ok
}
