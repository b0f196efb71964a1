package device

import (
	"strings"

	"github.com/srg/blecore/internal/bledb"
)

// Property is a bit set of operations a characteristic supports.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteNoResponse, "write-without-response"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanRead reports read support.
func (p Property) CanRead() bool {
	return p.Has(PropRead)
}

// CanWrite reports support for the acknowledged or the unacknowledged write.
func (p Property) CanWrite(withResponse bool) bool {
	if withResponse {
		return p.Has(PropWrite)
	}
	return p.Has(PropWriteNoResponse)
}

// CanSubscribe reports notify or indicate support.
func (p Property) CanSubscribe() bool {
	return p&(PropNotify|PropIndicate) != 0
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// MarshalText encodes the set as its comma-separated names.
func (p Property) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (p *Property) UnmarshalText(text []byte) error {
	*p = ParseProperties(string(text))
	return nil
}

// ParseProperties parses a comma-separated property list ("read,notify").
// Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		for _, pn := range propertyNames {
			if part == pn.name {
				p |= pn.p
			}
		}
		if part == "write-no-response" || part == "writenr" {
			p |= PropWriteNoResponse
		}
	}
	return p
}

// CharRef addresses a characteristic within a service. UUIDs are normalized.
type CharRef struct {
	Service string `json:"service"`
	UUID    string `json:"uuid"`
}

// NewCharRef builds a normalized reference.
func NewCharRef(service, uuid string) CharRef {
	return CharRef{Service: NormalizeUUID(service), UUID: NormalizeUUID(uuid)}
}

func (r CharRef) String() string {
	return r.Service + "/" + r.UUID
}

// Characteristic describes a discovered GATT characteristic.
type Characteristic struct {
	UUID        string   `json:"uuid"`
	ServiceUUID string   `json:"service_uuid"`
	Properties  Property `json:"properties"`
	// Value is the last value read or notified, nil until one is observed.
	Value []byte `json:"value,omitempty"`
}

// Ref returns the address of the characteristic.
func (c Characteristic) Ref() CharRef {
	return CharRef{Service: c.ServiceUUID, UUID: c.UUID}
}

// KnownName returns the SIG name of the characteristic, if any.
func (c Characteristic) KnownName() string {
	return bledb.LookupCharacteristic(c.UUID)
}

// Service describes a discovered GATT service and its characteristics in
// discovery order.
type Service struct {
	UUID            string           `json:"uuid"`
	Primary         bool             `json:"primary"`
	Characteristics []Characteristic `json:"characteristics"`
}

// KnownName returns the SIG name of the service, if any.
func (s Service) KnownName() string {
	return bledb.LookupService(s.UUID)
}

// Clone returns a deep copy of the service.
func (s Service) Clone() Service {
	out := s
	out.Characteristics = make([]Characteristic, len(s.Characteristics))
	for i, c := range s.Characteristics {
		if c.Value != nil {
			c.Value = append([]byte{}, c.Value...)
		}
		out.Characteristics[i] = c
	}
	return out
}
