//go:build !darwin && !linux

package goble

import (
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, device.NewError(device.KindUnsupported, "no bluetooth backend for %s", runtime.GOOS)
}
