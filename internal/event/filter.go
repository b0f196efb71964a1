package event

import "github.com/srg/blecore/internal/device"

// Filter selects events for a subscription. A nil Filter matches everything.
type Filter func(Event) bool

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	return f == nil || f(e)
}

// OfKind matches events of any of the given kinds.
func OfKind(kinds ...Kind) Filter {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind()]
		return ok
	}
}

// ForDevice matches events concerning id.
func ForDevice(id device.ID) Filter {
	return func(e Event) bool {
		got, ok := DeviceOf(e)
		return ok && got == id
	}
}

// And matches when every filter matches.
func And(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if !f.Match(e) {
				return false
			}
		}
		return true
	}
}

// Or matches when any filter matches.
func Or(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f.Match(e) {
				return true
			}
		}
		return false
	}
}
