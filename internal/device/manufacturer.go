package device

import (
	"encoding/binary"
	"fmt"
)

// SplitManufacturerData splits raw advertised manufacturer-specific data into
// the company identifier (first two bytes, little-endian on air) and payload.
func SplitManufacturerData(raw []byte) (uint16, []byte, error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("manufacturer data too short: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint16(raw[:2]), append([]byte(nil), raw[2:]...), nil
}

// JoinManufacturerData is the inverse of SplitManufacturerData.
func JoinManufacturerData(companyID uint16, payload []byte) []byte {
	out := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(out, companyID)
	return append(out, payload...)
}
