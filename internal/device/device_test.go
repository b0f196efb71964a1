package device_test

import (
	"testing"
	"time"

	"github.com/srg/blecore/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMerge(t *testing.T) {
	tx := -8
	base := device.Record{
		ID:               "AA:BB",
		Name:             "sensor",
		RSSI:             -70,
		TxPower:          &tx,
		Services:         []string{"180d"},
		ManufacturerData: map[uint16][]byte{0x004c: {1}},
		State:            device.StateReady,
		UpdatedAt:        time.Unix(1, 0),
	}

	t.Run("newer fields win", func(t *testing.T) {
		got := base.Merge(device.Record{ID: "AA:BB", RSSI: -40, Name: "renamed", UpdatedAt: time.Unix(2, 0)})
		assert.Equal(t, -40, got.RSSI)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, time.Unix(2, 0), got.UpdatedAt)
	})

	t.Run("absent fields are kept", func(t *testing.T) {
		got := base.Merge(device.Record{ID: "AA:BB", RSSI: -50})
		assert.Equal(t, "sensor", got.Name)
		assert.Equal(t, []string{"180d"}, got.Services)
		require.NotNil(t, got.TxPower)
		assert.Equal(t, -8, *got.TxPower)
		assert.Equal(t, []byte{1}, got.ManufacturerData[0x004c])
	})

	t.Run("state preserved unless supplied", func(t *testing.T) {
		assert.Equal(t, device.StateReady, base.Merge(device.Record{RSSI: -1}).State)
		assert.Equal(t, device.StateFailed, base.Merge(device.Record{State: device.StateFailed}).State)
	})

	t.Run("services replaced and normalized", func(t *testing.T) {
		got := base.Merge(device.Record{Services: []string{"0000180F-0000-1000-8000-00805F9B34FB", "180f", "180A"}})
		assert.Equal(t, []string{"180a", "180f"}, got.Services)
	})

	t.Run("no aliasing", func(t *testing.T) {
		got := base.Merge(device.Record{})
		got.ManufacturerData[0x004c][0] = 9
		*got.TxPower = 0
		assert.Equal(t, []byte{1}, base.ManufacturerData[0x004c])
		assert.Equal(t, -8, *base.TxPower)
	})

	t.Run("connectable follows the latest advertisement", func(t *testing.T) {
		yes, no := true, false
		got := base.Merge(device.Record{Connectable: &yes})
		assert.True(t, got.IsConnectable())

		got = got.Merge(device.Record{Connectable: &no})
		require.NotNil(t, got.Connectable)
		assert.False(t, got.IsConnectable())

		got = got.Merge(device.Record{RSSI: -30})
		require.NotNil(t, got.Connectable, "not observed keeps the last value")
		assert.False(t, *got.Connectable)
		assert.False(t, base.IsConnectable())
	})

	t.Run("empty record defaults to disconnected", func(t *testing.T) {
		got := device.Record{}.Merge(device.Record{ID: "CC"})
		assert.Equal(t, device.ID("CC"), got.ID)
		assert.Equal(t, device.StateDisconnected, got.State)
	})
}

func TestRecordHelpers(t *testing.T) {
	r := device.Record{ID: "AA:BB", Services: []string{"180d"}}
	assert.Equal(t, "AA:BB", r.DisplayName())
	r.Name = "hrm"
	assert.Equal(t, "hrm", r.DisplayName())
	assert.True(t, r.HasService("0000180D-0000-1000-8000-00805f9b34fb"))
	assert.False(t, r.HasService("180f"))
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, device.StateDisconnected.IsTerminal())
	assert.True(t, device.StateFailed.IsTerminal())
	for _, s := range []device.State{device.StateConnecting, device.StateConnected, device.StateDiscoveringServices, device.StateReady, device.StateDisconnecting} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestProperties(t *testing.T) {
	p := device.PropRead | device.PropNotify
	assert.True(t, p.Has(device.PropRead))
	assert.False(t, p.Has(device.PropRead|device.PropWrite))
	assert.True(t, p.CanSubscribe())
	assert.Equal(t, "read,notify", p.String())
	assert.Equal(t, p, device.ParseProperties("Read, notify, bogus"))
	assert.Equal(t, device.PropWriteNoResponse, device.ParseProperties("write-no-response"))
}

func TestCharRef(t *testing.T) {
	ref := device.NewCharRef("0000180D-0000-1000-8000-00805F9B34FB", "2A37")
	assert.Equal(t, device.CharRef{Service: "180d", UUID: "2a37"}, ref)
	assert.Equal(t, "180d/2a37", ref.String())

	c := device.Characteristic{UUID: "2a37", ServiceUUID: "180d"}
	assert.Equal(t, ref, c.Ref())
	assert.Equal(t, "Heart Rate Measurement", c.KnownName())
	assert.Equal(t, "Heart Rate", device.Service{UUID: "180d"}.KnownName())
}

func TestManufacturerData(t *testing.T) {
	id, payload, err := device.SplitManufacturerData([]byte{0x4c, 0x00, 0x02, 0x15})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x004c), id)
	assert.Equal(t, []byte{0x02, 0x15}, payload)
	assert.Equal(t, []byte{0x4c, 0x00, 0x02, 0x15}, device.JoinManufacturerData(id, payload))

	_, _, err = device.SplitManufacturerData([]byte{0x4c})
	assert.Error(t, err)
}
