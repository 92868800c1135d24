package ble

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"
)

// Settings is the externally supplied configuration consumed by the Manager.
// It is replaced as a whole through Manager.ApplyConfig.
type Settings struct {
	AutoReconnect     bool
	CompanyID         uint16
	DeviceID          []byte
	ReconnectTimeout  time.Duration
	RetryInterval     time.Duration
	SettleDelay       time.Duration
	FilterByService   bool
	ScanMode          ScanMode
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
}

// DefaultSettings mirrors the controller app's shipped defaults
func DefaultSettings() Settings {
	return Settings{
		AutoReconnect:     true,
		CompanyID:         CompanyID,
		ReconnectTimeout:  20 * time.Second,
		RetryInterval:     500 * time.Millisecond,
		SettleDelay:       500 * time.Millisecond,
		FilterByService:   true,
		ScanMode:          ScanLowLatency,
		SweepInterval:     5 * time.Second,
		StaleAfter:        10 * time.Second,
		HeartbeatInterval: time.Second,
		AckTimeout:        2 * time.Second,
	}
}

func (s Settings) clone() Settings {
	if s.DeviceID != nil {
		s.DeviceID = append([]byte(nil), s.DeviceID...)
	}
	return s
}

// withDefaults fills zero durations so timers never spin
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ReconnectTimeout <= 0 {
		s.ReconnectTimeout = d.ReconnectTimeout
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = d.RetryInterval
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = d.SweepInterval
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = d.StaleAfter
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.AckTimeout <= 0 {
		s.AckTimeout = d.AckTimeout
	}
	if !s.ScanMode.Valid() {
		s.ScanMode = d.ScanMode
	}
	return s
}

// ReconnectTarget is everything one reconnect attempt needs
type ReconnectTarget struct {
	DeviceID      []byte
	CompanyID     uint16
	Service       bluetooth.UUID
	Timeout       time.Duration
	RetryInterval time.Duration
	SettleDelay   time.Duration
	ScanMode      ScanMode
}

// Filter is the exact-match manufacturer filter for this target
func (t ReconnectTarget) Filter() ScanFilter {
	service := t.Service
	mask := make([]byte, len(t.DeviceID))
	for i := range mask {
		mask[i] = 0xFF
	}
	return ScanFilter{
		Service: &service,
		Manufacturer: &ManufacturerFilter{
			CompanyID: t.CompanyID,
			Data:      append([]byte(nil), t.DeviceID...),
			Mask:      mask,
		},
	}
}

// ParseDeviceID parses "AA:BB:CC:DD:EE:FF" (or plain hex) into 6 bytes
func ParseDeviceID(s string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	if len(b) != DeviceIDSize {
		return nil, fmt.Errorf("invalid device id %q: %w", s, ErrInvalidDeviceID)
	}
	return b, nil
}

// FormatDeviceID renders a device id as colon separated upper-case hex
func FormatDeviceID(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
