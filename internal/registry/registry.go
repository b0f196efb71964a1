// Package registry tracks every remote device seen by a session and its
// last-known state.
//
// Records are replaced whole: readers always observe a complete record and never
// a partially merged one. Writers to the same record are serialized per record;
// there is no registry-wide lock.
package registry

import (
	"cmp"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecore/internal/device"
)

type entry struct {
	mu  sync.Mutex // serializes read-modify-write of rec
	rec atomic.Pointer[device.Record]
}

// Registry is safe for concurrent use.
type Registry struct {
	records atomic.Pointer[hashmap.Map[device.ID, *entry]]
	logger  *logrus.Logger

	// now stamps records whose observation carries no time.
	now func() time.Time
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry{logger: logger, now: time.Now}
	r.records.Store(hashmap.New[device.ID, *entry]())
	return r
}

func (r *Registry) entry(id device.ID) (*entry, bool) {
	m := r.records.Load()
	if e, ok := m.Get(id); ok {
		return e, true
	}
	e, loaded := m.GetOrInsert(id, &entry{})
	return e, !loaded
}

// Upsert merges obs into the stored record for obs.ID, creating it if needed,
// and returns the result. Fields obs does not supply are kept, and the
// connection state only changes when obs.State is set.
func (r *Registry) Upsert(obs device.Record) device.Record {
	if obs.UpdatedAt.IsZero() {
		obs.UpdatedAt = r.now()
	}
	return r.update(obs.ID, func(cur device.Record) device.Record {
		return cur.Merge(obs)
	})
}

// SetState records a connection state change for id, creating the record on
// the first connection attempt to an unseen device.
func (r *Registry) SetState(id device.ID, state device.State) device.Record {
	now := r.now()
	return r.update(id, func(cur device.Record) device.Record {
		return cur.Merge(device.Record{ID: id, State: state, UpdatedAt: now})
	})
}

func (r *Registry) update(id device.ID, fn func(device.Record) device.Record) device.Record {
	e, created := r.entry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	var cur device.Record
	if p := e.rec.Load(); p != nil {
		cur = *p
	}
	next := fn(cur)
	next.ID = id
	e.rec.Store(&next)

	if created {
		r.logger.WithFields(logrus.Fields{
			"device_id": id,
			"name":      next.Name,
			"rssi":      next.RSSI,
		}).Debug("Registered device")
	}
	return next.Clone()
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id device.ID) (device.Record, bool) {
	e, ok := r.records.Load().Get(id)
	if !ok {
		return device.Record{}, false
	}
	p := e.rec.Load()
	if p == nil {
		return device.Record{}, false
	}
	return p.Clone(), true
}

// List returns the records matching filter (nil matches all), ordered by ID.
// The set is captured when List is called; later updates are not reflected.
func (r *Registry) List(filter func(device.Record) bool) iter.Seq[device.Record] {
	snapshot := make([]*device.Record, 0, r.Len())
	r.records.Load().Range(func(_ device.ID, e *entry) bool {
		if p := e.rec.Load(); p != nil {
			snapshot = append(snapshot, p)
		}
		return true
	})
	slices.SortFunc(snapshot, func(a, b *device.Record) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return func(yield func(device.Record) bool) {
		for _, p := range snapshot {
			if filter != nil && !filter(*p) {
				continue
			}
			if !yield(p.Clone()) {
				return
			}
		}
	}
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return r.records.Load().Len()
}

// Delete forgets id.
func (r *Registry) Delete(id device.ID) bool {
	return r.records.Load().Del(id)
}

// Clear forgets every device.
func (r *Registry) Clear() {
	old := r.records.Swap(hashmap.New[device.ID, *entry]())
	r.logger.WithField("device_count", old.Len()).Debug("Registry cleared")
}

// Filters for List.

// WithState matches records in any of the given states.
func WithState(states ...device.State) func(device.Record) bool {
	return func(rec device.Record) bool {
		return slices.Contains(states, rec.State)
	}
}

// WithService matches records advertising uuid.
func WithService(uuid string) func(device.Record) bool {
	return func(rec device.Record) bool {
		return rec.HasService(uuid)
	}
}

// SeenSince matches records updated at or after t.
func SeenSince(t time.Time) func(device.Record) bool {
	return func(rec device.Record) bool {
		return !rec.UpdatedAt.Before(t)
	}
}
