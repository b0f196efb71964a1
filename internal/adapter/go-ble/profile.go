package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
)

// attErrAttributeNotFound is the ATT status for an unknown handle.
const attErrAttributeNotFound = 0x0a

// convertProfile flattens a discovered go-ble profile into device services,
// keeping discovery order.
func convertProfile(p *ble.Profile) []device.Service {
	if p == nil {
		return nil
	}
	services := make([]device.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svcUUID := device.NormalizeUUID(s.UUID.String())
		svc := device.Service{UUID: svcUUID, Primary: true}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:        device.NormalizeUUID(c.UUID.String()),
				ServiceUUID: svcUUID,
				Properties:  convertProperty(c.Property),
				Value:       append([]byte(nil), c.Value...),
			})
		}
		services = append(services, svc)
	}
	return services
}

func convertProperty(p ble.Property) device.Property {
	var out device.Property
	if p&ble.CharRead != 0 {
		out |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= device.PropWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		out |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= device.PropIndicate
	}
	return out
}

// findCharacteristic looks up ref in a discovered profile. An empty service
// matches the first characteristic with the UUID.
func findCharacteristic(p *ble.Profile, ref device.CharRef) (*ble.Characteristic, error) {
	if p != nil {
		for _, s := range p.Services {
			if ref.Service != "" && device.NormalizeUUID(s.UUID.String()) != ref.Service {
				continue
			}
			for _, c := range s.Characteristics {
				if device.NormalizeUUID(c.UUID.String()) == ref.UUID {
					return c, nil
				}
			}
		}
	}
	nf := &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.UUID}}
	if ref.Service != "" {
		nf.UUIDs = []string{ref.Service, ref.UUID}
	}
	return nil, device.AdapterError(attErrAttributeNotFound, nf)
}

// subscribesWithIndication reports whether SetNotify must use indications.
func subscribesWithIndication(c *ble.Characteristic) bool {
	return c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
}
