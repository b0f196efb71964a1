package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
)

// Platform failure causes recognised in go-ble error messages.
var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrNotConnected     = errors.New("device not connected")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrNotInitialized   = errors.New("connection is not initialized")
)

// NormalizeError maps known go-ble errors to adapter errors. ATT errors keep
// their protocol code; known message patterns are wrapped with the matching
// cause so callers can test them with errors.Is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &device.Error{Kind: device.KindTimeout, Err: err}
	}

	var att ble.ATTError
	if errors.As(err, &att) {
		return device.AdapterError(int(att), err)
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return device.AdapterError(0, fmt.Errorf("%w: %v", ErrBluetoothOff, err))
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return device.AdapterError(0, fmt.Errorf("%w: %v", ErrBluetoothOff, err))
	case containsIgnoreCase(msg, "device not connected"):
		return device.AdapterError(0, fmt.Errorf("%w: %v", ErrNotConnected, err))
	case containsIgnoreCase(msg, "disconnected"):
		return device.AdapterError(0, fmt.Errorf("%w: %v", ErrNotConnected, err))
	case containsIgnoreCase(msg, "device already connected"):
		return device.AdapterError(0, fmt.Errorf("%w: %v", ErrAlreadyConnected, err))
	case containsIgnoreCase(msg, "connection is not initialized"):
		return device.AdapterError(0, fmt.Errorf("%w: %v", ErrNotInitialized, err))
	default:
		return device.AdapterError(0, err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// isContextDone reports whether err only says the context ended.
func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
