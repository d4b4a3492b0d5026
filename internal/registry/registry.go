// Package registry keeps the set of peers seen by discovery.
package registry

import (
	"sync"
	"time"

	"landrop/internal/models"
)

// Result reports what an Upsert changed.
type Result int

const (
	// Added means the id was not known before.
	Added Result = iota
	// Updated means name, address or port changed.
	Updated
	// Refreshed means only LastSeen moved.
	Refreshed
)

func (r Result) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	default:
		return "refreshed"
	}
}

// Registry is an insertion-ordered set of devices keyed by id. Peers are
// never evicted; callers clear the registry to forget them.
type Registry struct {
	mu      sync.RWMutex
	devices []models.Device
	index   map[string]int
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Upsert inserts d or replaces the entry with the same id in place,
// stamping LastSeen with the current time.
func (r *Registry) Upsert(d models.Device) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	d.LastSeen = r.now()
	i, ok := r.index[d.ID]
	if !ok {
		r.index[d.ID] = len(r.devices)
		r.devices = append(r.devices, d)
		return Added
	}

	old := r.devices[i]
	r.devices[i] = d
	if old.Name != d.Name || old.Address != d.Address || old.Port != d.Port {
		return Updated
	}
	return Refreshed
}

// Snapshot returns a copy of the registry in insertion order.
func (r *Registry) Snapshot() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

func (r *Registry) Get(id string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return models.Device{}, false
	}
	return r.devices[i], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear forgets every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.devices = nil
	r.index = make(map[string]int)
	r.mu.Unlock()
}
