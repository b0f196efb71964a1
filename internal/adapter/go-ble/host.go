// Package goble is the adapter.Adapter backend built on github.com/go-ble/ble.
// It drives CoreBluetooth on macOS and HCI sockets on Linux.
package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Host is the subset of ble.Device the backend drives.
type Host interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Connect(ctx context.Context, addr ble.Addr) (Client, error)
	AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error
	Stop() error
}

// Client is the subset of ble.Client the backend drives.
type Client interface {
	Addr() ble.Addr
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (int, error)
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// deviceHost adapts a ble.Device to Host.
type deviceHost struct {
	ble.Device
}

func (h deviceHost) Connect(ctx context.Context, addr ble.Addr) (Client, error) {
	c, err := h.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewHost opens the platform Bluetooth device through DeviceFactory.
func NewHost() (Host, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return deviceHost{Device: dev}, nil
}
