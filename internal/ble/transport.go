package ble

import (
	"bytes"

	"tinygo.org/x/bluetooth"
)

// WriteMode selects write-with-response or write-without-response
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// ScanMode is the requested scan duty cycle. Transports that cannot honour it ignore it.
type ScanMode string

const (
	ScanLowPower      ScanMode = "low_power"
	ScanBalanced      ScanMode = "balanced"
	ScanLowLatency    ScanMode = "low_latency"
	ScanOpportunistic ScanMode = "opportunistic"
)

// Valid reports whether m is a known scan mode
func (m ScanMode) Valid() bool {
	switch m {
	case ScanLowPower, ScanBalanced, ScanLowLatency, ScanOpportunistic:
		return true
	}
	return false
}

// ManufacturerFilter matches manufacturer-specific data for one company.
// A nil Mask means every byte of Data must match.
type ManufacturerFilter struct {
	CompanyID uint16
	Data      []byte
	Mask      []byte
}

// ScanFilter restricts which advertisements are reported. Zero value matches everything.
type ScanFilter struct {
	Service      *bluetooth.UUID
	Manufacturer *ManufacturerFilter
}

// Matches applies the filter to an advertisement
func (f ScanFilter) Matches(ad Advertisement) bool {
	if f.Service != nil && !ad.HasService(*f.Service) {
		return false
	}
	if f.Manufacturer != nil {
		data, ok := ad.ManufacturerPayload(f.Manufacturer.CompanyID)
		if !ok || !f.Manufacturer.match(data) {
			return false
		}
	}
	return true
}

func (m *ManufacturerFilter) match(data []byte) bool {
	if len(data) < len(m.Data) {
		return false
	}
	if m.Mask == nil {
		return bytes.Equal(data[:len(m.Data)], m.Data)
	}
	for i := range m.Data {
		var mask byte = 0xFF
		if i < len(m.Mask) {
			mask = m.Mask[i]
		}
		if data[i]&mask != m.Data[i]&mask {
			return false
		}
	}
	return true
}

// Writer submits a single characteristic write. Returning nil means the write was accepted.
type Writer interface {
	WriteCharacteristic(char bluetooth.UUID, payload []byte, mode WriteMode) error
}

// Transport is the radio as seen by the Manager. Requests are asynchronous:
// results arrive later as Events through the handler installed with SetEventHandler.
// Implementations must not invoke the handler from inside a Transport method call.
type Transport interface {
	Writer

	SetEventHandler(handler func(Event))
	Enabled() bool
	StartScan(filter ScanFilter, mode ScanMode) error
	StopScan() error
	Connect(address string) error
	Disconnect() error
	DiscoverServices() error
	EnableNotifications(char bluetooth.UUID) error
}
