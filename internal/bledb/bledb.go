// Package bledb normalises Bluetooth UUIDs and resolves well-known SIG
// assigned numbers (services, characteristics, descriptors, company
// identifiers) to human-readable names.
package bledb

import "strings"

// sigBaseSuffix is the Bluetooth SIG base UUID without the leading 32 bits,
// in normalised form (lowercase, no dashes).
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips braces and a 0x prefix. For full 128-bit UUIDs in Bluetooth SIG base
// format (0000xxxx-0000-1000-8000-00805f9b34fb) it returns the 16-bit short form,
// and the 32-bit form for xxxxxxxx-0000-1000-8000-00805f9b34fb.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	for _, r := range u {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}

	if len(u) == 32 && strings.HasSuffix(u, sigBaseSuffix) {
		if strings.HasPrefix(u, "0000") {
			return u[4:8]
		}
		return u[:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// LookupService returns the SIG name of a service UUID, or "" when unknown.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the SIG name of a characteristic UUID, or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the SIG name of a descriptor UUID, or "" when unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupCompany returns the registered name of a Bluetooth company identifier.
func LookupCompany(id uint16) string {
	return companies[id]
}
