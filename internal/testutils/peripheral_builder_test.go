package testutils

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecore/internal/device"
)

func TestPeripheralBuilderBuild(t *testing.T) {
	readErr := errors.New("insufficient authentication")
	p := NewPeripheralBuilder("AA:BB:CC:DD:EE:01").
		WithService("0000180D-0000-1000-8000-00805F9B34FB").
		WithCharacteristic("2A37", "read,notify", []byte{0, 72}).
		WithCharacteristic("2A39", "write", nil).
		WithService("180F").
		WithCharacteristic("2A19", "", []byte{100}).
		WithMaxMTU(185).
		WithError("2a39", readErr).
		WithAdvertisement(NewAdvertisementBuilder().WithName("HRM").WithRSSI(-50)).
		Build()

	assert.Equal(t, device.ID("aa:bb:cc:dd:ee:01"), p.ID)
	assert.Equal(t, 185, p.MaxMTU)
	require.Len(t, p.Services, 2)

	hr := p.Services[0]
	assert.Equal(t, "180d", hr.UUID)
	require.Len(t, hr.Characteristics, 2)
	assert.Equal(t, device.CharRef{Service: "180d", UUID: "2a37"}, hr.Characteristics[0].Ref())
	assert.Equal(t, device.PropRead|device.PropNotify, hr.Characteristics[0].Properties)
	assert.Equal(t, []byte{0, 72}, hr.Characteristics[0].Value)
	assert.Equal(t, device.PropWrite, hr.Characteristics[1].Properties)

	battery := p.Services[1].Characteristics[0]
	assert.Equal(t, device.PropRead|device.PropWrite|device.PropNotify, battery.Properties, "empty properties default")

	assert.Equal(t, readErr, p.Errors["2a39"])

	require.NotNil(t, p.Adv)
	assert.Equal(t, p.ID, p.Adv.ID)
	assert.Equal(t, "HRM", p.Adv.Name)
	assert.Equal(t, -50, p.Adv.RSSI)
}

func TestPeripheralBuilderFromJSON(t *testing.T) {
	b := NewPeripheralBuilder("aa:bb:cc:dd:ee:02").FromJSON(`{
		"max_mtu": %d,
		"services": [
			{"uuid": "180F", "characteristics": [{"uuid": "2A19", "properties": "read", "value": "ZA=="}]}
		]
	}`, 100)

	p := b.Build()
	assert.Equal(t, device.ID("aa:bb:cc:dd:ee:02"), p.ID, "ID kept when the document has none")
	assert.Equal(t, 100, p.MaxMTU)
	require.Len(t, p.Services, 1)
	assert.Equal(t, []byte{100}, p.Services[0].Characteristics[0].Value)
	assert.Nil(t, p.Adv)

	assert.Panics(t, func() { NewPeripheralBuilder("x").FromJSON(`{`) })
}

func TestPeripheralBuilderProfile(t *testing.T) {
	profile := NewPeripheralBuilder("aa:bb:cc:dd:ee:03").
		WithService("180D").
		WithCharacteristic("2A37", "notify,indicate", nil).
		WithCharacteristic("2A39", "write,write-without-response", nil).
		Profile()

	require.Len(t, profile.Services, 1)
	assert.True(t, profile.Services[0].UUID.Equal(ble.MustParse("180d")))
	chars := profile.Services[0].Characteristics
	require.Len(t, chars, 2)
	assert.Equal(t, ble.CharNotify|ble.CharIndicate, chars[0].Property)
	assert.Equal(t, ble.CharWrite|ble.CharWriteNR, chars[1].Property)
}

func TestWithCharacteristicNeedsService(t *testing.T) {
	assert.Panics(t, func() {
		NewPeripheralBuilder("x").WithCharacteristic("2a37", "read", nil)
	})
}
