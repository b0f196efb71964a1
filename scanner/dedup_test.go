package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/internal/device"
)

func TestParseDedupPolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected DedupPolicy
		wantErr  bool
	}{
		{input: "", expected: DedupByDeviceID},
		{input: "none", expected: DedupNone},
		{input: " By-Device-ID ", expected: DedupByDeviceID},
		{input: "by-device-id-and-rssi-bucket", expected: DedupByDeviceIDAndRSSIBucket},
		{input: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDedupPolicy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBucket(t *testing.T) {
	assert.Equal(t, -5, bucket(-50, 10))
	assert.Equal(t, -5, bucket(-41, 10))
	assert.Equal(t, -4, bucket(-40, 10))
	assert.Equal(t, -6, bucket(-51, 10))
	assert.Equal(t, 0, bucket(5, 10))
}

func TestDeduper(t *testing.T) {
	const a, b = device.ID("a"), device.ID("b")

	t.Run("none admits everything", func(t *testing.T) {
		d := newDeduper(DedupNone, 0)
		assert.True(t, d.admit(a, -40))
		assert.True(t, d.admit(a, -40))
	})

	t.Run("by device id admits each device once", func(t *testing.T) {
		d := newDeduper(DedupByDeviceID, 0)
		assert.True(t, d.admit(a, -40))
		assert.False(t, d.admit(a, -90))
		assert.True(t, d.admit(b, -40))
	})

	t.Run("rssi bucket admits bucket changes", func(t *testing.T) {
		d := newDeduper(DedupByDeviceIDAndRSSIBucket, 10)
		assert.True(t, d.admit(a, -45))
		assert.False(t, d.admit(a, -41))
		assert.True(t, d.admit(a, -39))
		assert.True(t, d.admit(a, -45))
		assert.True(t, d.admit(b, -45))
	})
}
