package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecore/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still
	// using it. A requested disconnect never produces it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns a session error into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}

	var e *device.Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	var msg string
	switch e.Kind {
	case device.KindTimeout:
		msg = "operation timed out"
	case device.KindNotReady:
		msg = "device is not ready"
	case device.KindCancelledByDisconnect:
		msg = "device disconnected before the operation completed"
	case device.KindAlreadyScanning:
		msg = "a scan is already running"
	case device.KindUnsupported:
		msg = "not supported by this adapter or characteristic"
	case device.KindAdapter:
		msg = "bluetooth adapter error"
	case device.KindInvalidState:
		msg = "invalid state"
	case device.KindCancelled:
		msg = "cancelled"
	case device.KindClosed:
		msg = "session closed"
	default:
		return err.Error()
	}

	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code 0x%02x)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
