package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "180d", ShortenUUID("180d"))
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
}

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
		wantErr  string
	}{
		{name: "short form", input: []string{"180D"}, expected: []string{"180d"}},
		{name: "full SIG form", input: []string{"00002a37-0000-1000-8000-00805f9b34fb"}, expected: []string{"2a37"}},
		{name: "custom 128-bit", input: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}, expected: []string{"6e400001b5a3f393e0a9e50e24dcca9e"}},
		{name: "multiple", input: []string{"180d", "0x2A37"}, expected: []string{"180d", "2a37"}},
		{name: "none", input: nil, wantErr: "at least one UUID is required"},
		{name: "empty entry", input: []string{"180d", ""}, wantErr: "UUID at index 1 cannot be empty"},
		{name: "bad length", input: []string{"12345"}, wantErr: "invalid UUID format at index 0"},
		{name: "not hex", input: []string{"xyz1"}, wantErr: "invalid UUID format at index 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateUUID(tt.input...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
