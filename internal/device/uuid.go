package device

import (
	"fmt"

	"github.com/srg/blecore/internal/bledb"
)

// NormalizeUUID maps a UUID to the form used for every ServiceRef and CharRef:
// lowercase hex without dashes, SIG base UUIDs reduced to 16 bits.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// ShortenUUID keeps the first eight characters of a 128-bit UUID for display.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID normalizes user supplied UUIDs. Each must be 16, 32 or 128 bits
// of hex once normalized.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if !wellFormedUUID(normalized) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func wellFormedUUID(s string) bool {
	switch len(s) {
	case 4, 8, 32:
		return true
	}
	return false
}
