package scanner

import (
	"fmt"
	"strings"

	"github.com/srg/blecore/internal/device"
)

// DedupPolicy decides which repeated advertisements of a device are reported
// as DeviceDiscovered within one scan session. The registry sees every
// advertisement regardless.
type DedupPolicy string

const (
	// DedupNone reports every advertisement.
	DedupNone DedupPolicy = "none"
	// DedupByDeviceID reports each device once per session.
	DedupByDeviceID DedupPolicy = "by-device-id"
	// DedupByDeviceIDAndRSSIBucket reports a device again when its RSSI moves
	// to another bucket.
	DedupByDeviceIDAndRSSIBucket DedupPolicy = "by-device-id-and-rssi-bucket"
)

// DefaultRSSIBucket is the bucket width in dBm.
const DefaultRSSIBucket = 10

// ParseDedupPolicy accepts a policy name; empty selects DedupByDeviceID.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch p := DedupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DedupByDeviceID, nil
	case DedupNone, DedupByDeviceID, DedupByDeviceIDAndRSSIBucket:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q (want %s, %s or %s)", s, DedupNone, DedupByDeviceID, DedupByDeviceIDAndRSSIBucket)
	}
}

// deduper remembers what has been reported in one session.
type deduper struct {
	policy DedupPolicy
	width  int
	seen   map[device.ID]int
}

func newDeduper(policy DedupPolicy, width int) *deduper {
	if width <= 0 {
		width = DefaultRSSIBucket
	}
	return &deduper{policy: policy, width: width, seen: make(map[device.ID]int)}
}

// admit reports whether an advertisement with rssi from id should be reported.
func (d *deduper) admit(id device.ID, rssi int) bool {
	switch d.policy {
	case DedupNone:
		return true
	case DedupByDeviceIDAndRSSIBucket:
		b := bucket(rssi, d.width)
		if last, ok := d.seen[id]; ok && last == b {
			return false
		}
		d.seen[id] = b
		return true
	default:
		if _, ok := d.seen[id]; ok {
			return false
		}
		d.seen[id] = 0
		return true
	}
}

// bucket returns floor(rssi/width); with width 10, -50 through -41 share a bucket.
func bucket(rssi, width int) int {
	q := rssi / width
	if rssi%width != 0 && rssi < 0 {
		q--
	}
	return q
}
