package ble

import (
	"sync"
	"time"
)

// Peripheral is a discovered motor controller as seen by the scan registry
type Peripheral struct {
	Address  string    `json:"address"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
	DeviceID []byte    `json:"device_id,omitempty"`
	Advertisement
}

func (p *Peripheral) clone() Peripheral {
	c := *p
	if p.DeviceID != nil {
		c.DeviceID = append([]byte(nil), p.DeviceID...)
	}
	c.ServiceUUIDs = append(c.ServiceUUIDs[:0:0], p.ServiceUUIDs...)
	c.ManufacturerData = make([]ManufacturerData, len(p.ManufacturerData))
	for i, m := range p.ManufacturerData {
		c.ManufacturerData[i] = ManufacturerData{CompanyID: m.CompanyID, Data: append([]byte(nil), m.Data...)}
	}
	return c
}

// Registry aggregates scan sightings keyed by address.
// All mutations go through mu; listeners are called after it is released with copies.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Peripheral
	order     []string
	companyID uint16
	onFound   func(Peripheral)
	onRemoved func(Peripheral)
}

// NewRegistry creates an empty registry that extracts device ids for companyID
func NewRegistry(companyID uint16) *Registry {
	return &Registry{
		entries:   make(map[string]*Peripheral),
		companyID: companyID,
	}
}

// SetListeners installs the found/removed callbacks. Either may be nil.
func (r *Registry) SetListeners(found, removed func(Peripheral)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFound = found
	r.onRemoved = removed
}

// SetCompanyID changes which manufacturer data element carries the device id
func (r *Registry) SetCompanyID(id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.companyID = id
}

// Upsert records a sighting at time now, merging repeat sightings by address
func (r *Registry) Upsert(s Sighting, now time.Time) Peripheral {
	r.mu.Lock()
	existing, ok := r.entries[s.Address]
	if ok {
		existing.RSSI = s.RSSI
		existing.Connectable = s.Connectable
		existing.LastSeen = now
		if s.Name != "" {
			existing.Name = s.Name
		}
		if len(s.ServiceUUIDs) > 0 {
			existing.ServiceUUIDs = s.ServiceUUIDs
		}
		if len(s.ManufacturerData) > 0 {
			existing.ManufacturerData = s.ManufacturerData
			if id := r.deviceID(s.Advertisement); id != nil {
				existing.DeviceID = id
			}
		}
	} else {
		existing = &Peripheral{
			Address:       s.Address,
			RSSI:          s.RSSI,
			LastSeen:      now,
			DeviceID:      r.deviceID(s.Advertisement),
			Advertisement: s.Advertisement,
		}
		r.entries[s.Address] = existing
		r.order = append(r.order, s.Address)
	}
	snapshot := existing.clone()
	found := r.onFound
	r.mu.Unlock()

	if found != nil {
		found(snapshot)
	}
	return snapshot
}

func (r *Registry) deviceID(ad Advertisement) []byte {
	data, ok := ad.ManufacturerPayload(r.companyID)
	if !ok || len(data) < DeviceIDSize {
		return nil
	}
	return append([]byte(nil), data[:DeviceIDSize]...)
}

// Sweep evicts every entry not seen for longer than staleAfter and
// notifies the removed listener once per evicted entry.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []Peripheral {
	r.mu.Lock()
	var evicted []Peripheral
	kept := r.order[:0]
	for _, addr := range r.order {
		p := r.entries[addr]
		if now.Sub(p.LastSeen) > staleAfter {
			evicted = append(evicted, p.clone())
			delete(r.entries, addr)
			continue
		}
		kept = append(kept, addr)
	}
	r.order = kept
	removed := r.onRemoved
	r.mu.Unlock()

	if removed != nil {
		for _, p := range evicted {
			removed(p)
		}
	}
	return evicted
}

// Clear discards every entry without notifying
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Peripheral)
	r.order = nil
}

// Get returns a copy of the entry for address
func (r *Registry) Get(address string) (Peripheral, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[address]
	if !ok {
		return Peripheral{}, false
	}
	return p.clone(), true
}

// First returns the earliest-sighted entry accepted by match
func (r *Registry) First(match func(Peripheral) bool) (Peripheral, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range r.order {
		p := r.entries[addr].clone()
		if match == nil || match(p) {
			return p, true
		}
	}
	return Peripheral{}, false
}

// Snapshot returns copies of all entries in sighting order
func (r *Registry) Snapshot() []Peripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peripheral, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.entries[addr].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
