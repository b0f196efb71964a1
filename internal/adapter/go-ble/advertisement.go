package goble

import (
	"strings"
	"time"
	"unicode"

	"github.com/go-ble/ble"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/event"
)

// txPowerNotAvailable is the value go-ble reports when the advertisement
// carries no TX power level.
const txPowerNotAvailable = 127

// scanResult converts a go-ble advertisement into an adapter event.
func scanResult(adv ble.Advertisement, now time.Time) event.ScanResult {
	r := event.ScanResult{
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Time:        now,
	}
	if addr := adv.Addr(); addr != nil {
		r.ID = device.ID(strings.ToLower(addr.String()))
	}

	if tx := adv.TxPowerLevel(); tx != txPowerNotAvailable {
		r.TxPower = &tx
	}

	var services []string
	for _, u := range adv.Services() {
		services = append(services, u.String())
	}
	for _, u := range adv.OverflowService() {
		services = append(services, u.String())
	}
	if services != nil {
		r.Services = device.ServiceSet(services)
	}

	if raw := adv.ManufacturerData(); len(raw) > 0 {
		if id, payload, err := device.SplitManufacturerData(raw); err == nil {
			r.ManufacturerData = map[uint16][]byte{id: append([]byte(nil), payload...)}
		}
		if r.Name == "" {
			r.Name = extractNameFromManufacturerData(raw)
		}
	}

	if sd := adv.ServiceData(); len(sd) > 0 {
		r.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			r.ServiceData[device.NormalizeUUID(d.UUID.String())] = append([]byte(nil), d.Data...)
		}
	}

	return r
}

// matchesServices reports whether r announces at least one of services.
// An empty filter matches everything.
func matchesServices(r event.ScanResult, services []string) bool {
	if len(services) == 0 {
		return true
	}
	for _, want := range services {
		want = device.NormalizeUUID(want)
		for _, have := range r.Services {
			if have == want {
				return true
			}
		}
	}
	return false
}

// extractNameFromManufacturerData returns the first printable ASCII run that
// looks like a device name. Some peripherals only carry their name there.
func extractNameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}
		if name := strings.TrimSpace(string(nameBytes)); isValidDeviceName(name) {
			return name
		}
		i += len(nameBytes)
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126
}

// isValidDeviceName wants 3 to 32 characters with at least one letter.
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	return strings.IndexFunc(name, unicode.IsLetter) >= 0
}
