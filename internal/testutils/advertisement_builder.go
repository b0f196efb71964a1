package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
	"github.com/srg/blecore/internal/testutils/mocks"
)

// AdvertisementBuilder builds advertisements for tests. Build yields the
// adapter-level event.ScanResult; BuildMock yields a go-ble advertisement
// mock for backend tests.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	companyID   uint16
	manufData   []byte
	serviceData map[string][]byte
	txPower     *int
	connectable bool
	at          time.Time

	// Track which fields were explicitly set
	servicesSet    bool
	manufDataSet   bool
	serviceDataSet bool
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		serviceData: make(map[string][]byte),
		connectable: true,
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

// WithManufacturerData sets the manufacturer-specific payload of companyID.
func (b *AdvertisementBuilder) WithManufacturerData(companyID uint16, data []byte) *AdvertisementBuilder {
	b.companyID = companyID
	b.manufData = data
	b.manufDataSet = true
	return b
}

// WithServiceData adds service-specific data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	b.serviceDataSet = true
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// At sets the observation time.
func (b *AdvertisementBuilder) At(t time.Time) *AdvertisementBuilder {
	b.at = t
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
//
//	{"name": "HRM", "address": "aa:bb", "rssi": -40, "services": ["180d"],
//	 "companyId": 89, "manufacturerData": "AQI=", "txPower": 4, "connectable": true}
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string           `json:"name"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		CompanyID        *uint16           `json:"companyId"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Services != nil {
		b.WithServices(data.Services...)
	}
	if data.CompanyID != nil || data.ManufacturerData != nil {
		var id uint16
		if data.CompanyID != nil {
			id = *data.CompanyID
		}
		b.WithManufacturerData(id, data.ManufacturerData)
	}
	for uuid, sd := range data.ServiceData {
		b.WithServiceData(uuid, sd)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Build returns the advertisement as an adapter event.
func (b *AdvertisementBuilder) Build() event.ScanResult {
	r := event.ScanResult{
		ID:          device.ID(strings.ToLower(b.address)),
		Name:        b.name,
		RSSI:        b.rssi,
		Connectable: b.connectable,
		Time:        b.at,
	}
	if b.txPower != nil {
		tx := *b.txPower
		r.TxPower = &tx
	}
	if b.servicesSet {
		r.Services = device.ServiceSet(b.services)
	}
	if b.manufDataSet {
		r.ManufacturerData = map[uint16][]byte{b.companyID: append([]byte(nil), b.manufData...)}
	}
	if b.serviceDataSet {
		r.ServiceData = make(map[string][]byte, len(b.serviceData))
		for uuid, data := range b.serviceData {
			r.ServiceData[device.NormalizeUUID(uuid)] = append([]byte(nil), data...)
		}
	}
	return r
}

// BuildMock creates a MockAdvertisement implementing ble.Advertisement. Every
// method is answered; an unset TX power reads as 127.
func (b *AdvertisementBuilder) BuildMock() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}

	adv.On("Addr").Return(ble.NewAddr(b.address)).Maybe()
	if b.txPower != nil {
		adv.On("TxPowerLevel").Return(*b.txPower).Maybe()
	} else {
		adv.On("TxPowerLevel").Return(127).Maybe() // 127: TX power not available
	}
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("Connectable").Return(b.connectable).Maybe()
	adv.On("OverflowService").Return([]ble.UUID(nil)).Maybe()
	adv.On("SolicitedService").Return([]ble.UUID(nil)).Maybe()

	var services []ble.UUID
	for _, s := range b.services {
		services = append(services, ble.MustParse(s))
	}
	adv.On("Services").Return(services).Maybe()

	var manufData []byte
	if b.manufDataSet {
		manufData = device.JoinManufacturerData(b.companyID, b.manufData)
	}
	adv.On("ManufacturerData").Return(manufData).Maybe()

	var serviceData []ble.ServiceData
	for uuid, data := range b.serviceData {
		serviceData = append(serviceData, ble.ServiceData{UUID: ble.MustParse(uuid), Data: data})
	}
	adv.On("ServiceData").Return(serviceData).Maybe()

	return adv
}
