package scanner

import (
	"strings"

	"github.com/srg/blecore/internal/device"
)

// Filter selects the devices a scan session reports. Zero fields match everything.
type Filter struct {
	// Services keeps devices advertising at least one of these service UUIDs.
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`
	// AllowList keeps only these device IDs.
	AllowList []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	// BlockList drops these device IDs.
	BlockList []string `json:"block,omitempty" yaml:"block,omitempty"`
	// NamePrefix keeps devices whose name starts with it, ignoring case.
	NamePrefix string `json:"name_prefix,omitempty" yaml:"name_prefix,omitempty"`
	// MinRSSI drops weaker advertisements; 0 disables the check.
	MinRSSI int `json:"min_rssi,omitempty" yaml:"min_rssi,omitempty"`
}

// normalized returns a copy with normalized service UUIDs and lower-case IDs.
func (f Filter) normalized() Filter {
	out := Filter{
		NamePrefix: strings.ToLower(f.NamePrefix),
		MinRSSI:    f.MinRSSI,
	}
	if len(f.Services) > 0 {
		out.Services = device.ServiceSet(f.Services)
	}
	for _, id := range f.AllowList {
		out.AllowList = append(out.AllowList, strings.ToLower(strings.TrimSpace(id)))
	}
	for _, id := range f.BlockList {
		out.BlockList = append(out.BlockList, strings.ToLower(strings.TrimSpace(id)))
	}
	return out
}

// Match reports whether r passes the filter.
func (f Filter) Match(r device.Record) bool {
	return f.normalized().match(r)
}

func (f Filter) match(r device.Record) bool {
	id := strings.ToLower(string(r.ID))

	for _, blocked := range f.BlockList {
		if id == blocked {
			return false
		}
	}

	if len(f.AllowList) > 0 {
		allowed := false
		for _, a := range f.AllowList {
			if id == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(f.Services) > 0 {
		hasRequired := false
		for _, required := range f.Services {
			if r.HasService(required) {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(r.Name), f.NamePrefix) {
		return false
	}

	if f.MinRSSI != 0 && r.RSSI < f.MinRSSI {
		return false
	}

	return true
}
