package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
)

// CharacteristicConfig describes a simulated characteristic.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig describes a simulated service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig is the JSON form accepted by PeripheralBuilder.FromJSON.
type PeripheralConfig struct {
	ID       string          `json:"id"`
	MaxMTU   int             `json:"max_mtu,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a FakePeripheral, or the equivalent go-ble profile
// for backend tests.
//
//	p := testutils.NewPeripheralBuilder("aa:bb:cc:dd:ee:01").
//	    WithService("180D").
//	    WithCharacteristic("2A37", "read,notify", []byte{0, 72}).
//	    Build()
type PeripheralBuilder struct {
	config PeripheralConfig
	adv    *AdvertisementBuilder
	errors map[string]error
}

// NewPeripheralBuilder creates a builder for the peripheral with the given ID.
func NewPeripheralBuilder(id string) *PeripheralBuilder {
	return &PeripheralBuilder{
		config: PeripheralConfig{ID: id},
		errors: make(map[string]error),
	}
}

// WithService adds a service; characteristics added next belong to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
// An empty properties string means "read,write,notify".
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &b.config.Services[len(b.config.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithMaxMTU caps MTU exchanges with the peripheral.
func (b *PeripheralBuilder) WithMaxMTU(mtu int) *PeripheralBuilder {
	b.config.MaxMTU = mtu
	return b
}

// WithError makes reads and writes of the characteristic fail with err.
func (b *PeripheralBuilder) WithError(charUUID string, err error) *PeripheralBuilder {
	b.errors[device.NormalizeUUID(charUUID)] = err
	return b
}

// WithAdvertisement makes the peripheral visible to scans. The advertisement
// address defaults to the peripheral ID.
func (b *PeripheralBuilder) WithAdvertisement(adv *AdvertisementBuilder) *PeripheralBuilder {
	b.adv = adv
	return b
}

// FromJSON replaces the configuration with the JSON document. It panics on
// invalid JSON as this is intended for test data setup.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config PeripheralConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if config.ID == "" {
		config.ID = b.config.ID
	}
	b.config = config
	return b
}

func properties(s string) device.Property {
	if strings.TrimSpace(s) == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	return device.ParseProperties(s)
}

// Build returns the simulated peripheral.
func (b *PeripheralBuilder) Build() *FakePeripheral {
	id := device.ID(strings.ToLower(b.config.ID))
	p := &FakePeripheral{ID: id, MaxMTU: b.config.MaxMTU}

	for _, sc := range b.config.Services {
		svcUUID := device.NormalizeUUID(sc.UUID)
		svc := device.Service{UUID: svcUUID, Primary: true}
		for _, cc := range sc.Characteristics {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:        device.NormalizeUUID(cc.UUID),
				ServiceUUID: svcUUID,
				Properties:  properties(cc.Properties),
				Value:       append([]byte(nil), cc.Value...),
			})
		}
		p.Services = append(p.Services, svc)
	}

	if len(b.errors) > 0 {
		p.Errors = make(map[string]error, len(b.errors))
		for k, v := range b.errors {
			p.Errors[k] = v
		}
	}

	if b.adv != nil {
		if b.adv.address == "" {
			b.adv.WithAddress(b.config.ID)
		}
		adv := b.adv.Build()
		p.Adv = &adv
	}
	return p
}

// Profile returns the configuration as a discovered go-ble profile.
func (b *PeripheralBuilder) Profile() *ble.Profile {
	profile := &ble.Profile{}
	for _, sc := range b.config.Services {
		svc := &ble.Service{UUID: ble.MustParse(sc.UUID)}
		for _, cc := range sc.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &ble.Characteristic{
				UUID:     ble.MustParse(cc.UUID),
				Property: bleProperty(properties(cc.Properties)),
				Value:    cc.Value,
			})
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile
}

func bleProperty(p device.Property) ble.Property {
	var out ble.Property
	if p.Has(device.PropRead) {
		out |= ble.CharRead
	}
	if p.Has(device.PropWrite) {
		out |= ble.CharWrite
	}
	if p.Has(device.PropWriteNoResponse) {
		out |= ble.CharWriteNR
	}
	if p.Has(device.PropNotify) {
		out |= ble.CharNotify
	}
	if p.Has(device.PropIndicate) {
		out |= ble.CharIndicate
	}
	return out
}
