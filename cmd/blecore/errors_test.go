package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecore/internal/device"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "plain error", err: errors.New("boom"), expected: "boom"},
		{
			name:     "not found",
			err:      fmt.Errorf("read: %w", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"2a19"}}),
			expected: `characteristic "2a19" not found`,
		},
		{
			name:     "adapter error with code",
			err:      device.AdapterError(0x05, errors.New("insufficient authentication")),
			expected: "bluetooth adapter error (code 0x05): insufficient authentication",
		},
		{
			name:     "timeout with message",
			err:      device.NewError(device.KindTimeout, "read 2a19"),
			expected: "operation timed out: read 2a19",
		},
		{
			name:     "wrapped cancelled by disconnect",
			err:      fmt.Errorf("subscribe: %w", &device.Error{Kind: device.KindCancelledByDisconnect}),
			expected: "device disconnected before the operation completed",
		},
		{
			name:     "already scanning",
			err:      &device.Error{Kind: device.KindAlreadyScanning},
			expected: "a scan is already running",
		},
		{
			name:     "closed",
			err:      &device.Error{Kind: device.KindClosed},
			expected: "session closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}
