package device

import (
	"sort"
	"time"
)

// ID identifies a remote device: a platform address (BlueZ, Android) or a
// CoreBluetooth peripheral UUID. Unique per physical device within a session.
type ID string

func (id ID) String() string {
	return string(id)
}

// State is the lifecycle state of a connection to a remote device.
type State string

const (
	StateDisconnected        State = "disconnected"
	StateConnecting          State = "connecting"
	StateConnected           State = "connected"
	StateDiscoveringServices State = "discovering_services"
	StateReady               State = "ready"
	StateDisconnecting       State = "disconnecting"
	StateFailed              State = "failed"
)

// IsTerminal reports whether no link exists in this state.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Record is the last-known state of a remote device.
//
// When passed to Registry.Upsert, zero-valued fields mean "not observed" and do
// not overwrite the stored value: empty Name, zero RSSI, nil Services, nil TxPower,
// nil Connectable, nil maps and an empty State.
type Record struct {
	ID               ID                `json:"id"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Connectable      *bool             `json:"connectable,omitempty"`
	Services         []string          `json:"services,omitempty"` // normalized, sorted, unique
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	State            State             `json:"state"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DisplayName returns the advertised name, or the ID when the device is anonymous.
func (r Record) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.ID)
}

// IsConnectable reports whether the last advertisement accepted connections.
func (r Record) IsConnectable() bool {
	return r.Connectable != nil && *r.Connectable
}

// HasService reports whether the device advertised the given service UUID.
func (r Record) HasService(uuid string) bool {
	n := NormalizeUUID(uuid)
	for _, s := range r.Services {
		if s == n {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can never alias registry storage.
func (r Record) Clone() Record {
	out := r
	if r.TxPower != nil {
		tx := *r.TxPower
		out.TxPower = &tx
	}
	if r.Connectable != nil {
		c := *r.Connectable
		out.Connectable = &c
	}
	if r.Services != nil {
		out.Services = append([]string(nil), r.Services...)
	}
	if r.ManufacturerData != nil {
		out.ManufacturerData = make(map[uint16][]byte, len(r.ManufacturerData))
		for k, v := range r.ManufacturerData {
			out.ManufacturerData[k] = append([]byte(nil), v...)
		}
	}
	if r.ServiceData != nil {
		out.ServiceData = make(map[string][]byte, len(r.ServiceData))
		for k, v := range r.ServiceData {
			out.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// Merge overlays the fields observed in obs onto r. Connection state is only
// changed when obs carries one explicitly.
func (r Record) Merge(obs Record) Record {
	out := r.Clone()
	if out.ID == "" {
		out.ID = obs.ID
	}
	if obs.Name != "" {
		out.Name = obs.Name
	}
	if obs.RSSI != 0 {
		out.RSSI = obs.RSSI
	}
	if obs.TxPower != nil {
		tx := *obs.TxPower
		out.TxPower = &tx
	}
	if obs.Services != nil {
		out.Services = ServiceSet(obs.Services)
	}
	if obs.ManufacturerData != nil {
		out.ManufacturerData = obs.Clone().ManufacturerData
	}
	if obs.ServiceData != nil {
		out.ServiceData = obs.Clone().ServiceData
	}
	if obs.Connectable != nil {
		c := *obs.Connectable
		out.Connectable = &c
	}
	if obs.State != "" {
		out.State = obs.State
	}
	if !obs.UpdatedAt.IsZero() {
		out.UpdatedAt = obs.UpdatedAt
	}
	if out.State == "" {
		out.State = StateDisconnected
	}
	return out
}

// ServiceSet normalizes, de-duplicates and sorts a list of service UUIDs.
func ServiceSet(uuids []string) []string {
	seen := make(map[string]struct{}, len(uuids))
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		n := NormalizeUUID(u)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ConnectOptions configures a single connect attempt.
type ConnectOptions struct {
	// ConnectTimeout bounds the link establishment at the adapter.
	ConnectTimeout time.Duration
	// OperationTimeout bounds each GATT operation on the connection; 0 uses the session default.
	OperationTimeout time.Duration
	// PreferredMTU is negotiated right after the connection becomes ready; 0 skips negotiation.
	PreferredMTU int
}
