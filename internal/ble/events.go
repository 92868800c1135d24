package ble

import "tinygo.org/x/bluetooth"

// Event is anything a Transport reports back into Manager.Handle
type Event interface {
	event()
}

// ManufacturerData is one manufacturer-specific AD element
type ManufacturerData struct {
	CompanyID uint16 `json:"company_id"`
	Data      []byte `json:"data"`
}

// Advertisement is the parsed advertising payload of a sighting
type Advertisement struct {
	Name             string             `json:"name,omitempty"`
	Connectable      bool               `json:"connectable"`
	ServiceUUIDs     []bluetooth.UUID   `json:"-"`
	ManufacturerData []ManufacturerData `json:"manufacturer_data,omitempty"`
}

// ManufacturerPayload returns the data advertised for companyID
func (a Advertisement) ManufacturerPayload(companyID uint16) ([]byte, bool) {
	for _, m := range a.ManufacturerData {
		if m.CompanyID == companyID {
			return m.Data, true
		}
	}
	return nil, false
}

// HasService reports whether uuid is advertised
func (a Advertisement) HasService(uuid bluetooth.UUID) bool {
	for _, u := range a.ServiceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

// Sighting is one scan result
type Sighting struct {
	Address string
	RSSI    int
	Advertisement
}

// ScanFailed is the terminal failure signal of a scan
type ScanFailed struct {
	Err error
}

// LinkChanged reports link up/down. A non-zero Status is a fatal GATT error.
type LinkChanged struct {
	Address   string
	Name      string
	Connected bool
	Status    int
}

// Service is one discovered GATT service and its characteristics
type Service struct {
	UUID            bluetooth.UUID
	Characteristics []bluetooth.UUID
}

// ServicesDiscovered completes a DiscoverServices request
type ServicesDiscovered struct {
	Services []Service
	Status   int
}

// WriteCompleted acknowledges a write-with-response
type WriteCompleted struct {
	Characteristic bluetooth.UUID
	Status         int
}

// Notified carries a characteristic notification payload
type Notified struct {
	Characteristic bluetooth.UUID
	Payload        []byte
}

func (Sighting) event()           {}
func (ScanFailed) event()         {}
func (LinkChanged) event()        {}
func (ServicesDiscovered) event() {}
func (WriteCompleted) event()     {}
func (Notified) event()           {}

func findService(services []Service, uuid bluetooth.UUID) (Service, bool) {
	for _, s := range services {
		if s.UUID == uuid {
			return s, true
		}
	}
	return Service{}, false
}

func (s Service) has(uuid bluetooth.UUID) bool {
	for _, c := range s.Characteristics {
		if c == uuid {
			return true
		}
	}
	return false
}
