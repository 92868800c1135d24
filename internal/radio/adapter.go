package radio

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"motorlink/internal/ble"
	"motorlink/internal/logger"
)

// Status codes reported for failures the BLE stack surfaces as plain errors
const (
	statusGATTError   = 0x85
	statusWriteFailed = 0x03
)

// advertisement is the subset of bluetooth.ScanResult used to build a sighting
type advertisement interface {
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	ManufacturerData() []bluetooth.ManufacturerDataElement
}

// Adapter is the ble.Transport backed by the host Bluetooth controller
type Adapter struct {
	mu        sync.Mutex
	adapter   *bluetooth.Adapter
	bluez     *BlueZ
	handler   func(ble.Event)
	enabled   bool
	scanning  bool
	addresses map[string]bluetooth.Address

	device  *bluetooth.Device
	address string
	chars   map[bluetooth.UUID]bluetooth.DeviceCharacteristic

	log logger.Tagged
}

var _ ble.Transport = (*Adapter)(nil)

// NewAdapter wraps a host adapter. bluez may be nil when D-Bus is unavailable.
func NewAdapter(adapter *bluetooth.Adapter, bluez *BlueZ) *Adapter {
	return &Adapter{
		adapter:   adapter,
		bluez:     bluez,
		addresses: make(map[string]bluetooth.Address),
		chars:     make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic),
		log:       logger.For("RADIO"),
	}
}

// Enable powers up the controller stack and installs the link handler
func (a *Adapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	a.adapter.SetConnectHandler(a.onConnectChange)

	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()

	a.log.Info("BLE adapter enabled")
	return nil
}

func (a *Adapter) SetEventHandler(handler func(ble.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

func (a *Adapter) emit(ev ble.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Enabled reports whether the adapter is usable. With D-Bus available the
// controller power state is checked on every call.
func (a *Adapter) Enabled() bool {
	a.mu.Lock()
	enabled := a.enabled
	a.mu.Unlock()

	if !enabled {
		return false
	}
	if a.bluez != nil {
		powered, err := a.bluez.Powered()
		if err != nil {
			a.log.Debug("Could not read adapter power state: %v", err)
			return true
		}
		return powered
	}
	return true
}

func (a *Adapter) StartScan(filter ble.ScanFilter, mode ble.ScanMode) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return ble.ErrAlreadyScanning
	}
	a.scanning = true
	a.mu.Unlock()

	// Host stacks pick their own duty cycle
	a.log.Debug("Starting scan (requested mode %s)", mode)

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			s := sightingFrom(result.Address.String(), result.RSSI, result)
			if s.Address == "" || !filter.Matches(s.Advertisement) {
				return
			}
			a.mu.Lock()
			a.addresses[s.Address] = result.Address
			a.mu.Unlock()
			a.emit(s)
		})

		a.mu.Lock()
		wasScanning := a.scanning
		a.scanning = false
		a.mu.Unlock()

		if err != nil && wasScanning {
			a.log.Error("BLE scan error: %v", err)
			a.emit(ble.ScanFailed{Err: err})
		}
	}()
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = false
	a.mu.Unlock()

	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("failed to stop scan: %w", err)
	}
	return nil
}

func sightingFrom(address string, rssi int16, ad advertisement) ble.Sighting {
	s := ble.Sighting{
		Address: address,
		RSSI:    int(rssi),
		Advertisement: ble.Advertisement{
			Name:        ad.LocalName(),
			Connectable: true,
		},
	}
	if ad.HasServiceUUID(ble.ServiceMotor) {
		s.ServiceUUIDs = []bluetooth.UUID{ble.ServiceMotor}
	}
	for _, m := range ad.ManufacturerData() {
		s.ManufacturerData = append(s.ManufacturerData, ble.ManufacturerData{
			CompanyID: m.CompanyID,
			Data:      append([]byte(nil), m.Data...),
		})
	}
	return s
}

func (a *Adapter) Connect(address string) error {
	a.mu.Lock()
	addr, ok := a.addresses[address]
	a.mu.Unlock()

	if !ok {
		addr.Set(address)
	}

	go func() {
		a.log.Info("Establishing BLE connection to %s", address)
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.log.Error("BLE connect to %s failed: %v", address, err)
			a.emit(ble.LinkChanged{Address: address, Connected: false, Status: statusGATTError})
			return
		}

		a.mu.Lock()
		a.device = &dev
		a.address = address
		a.chars = make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic)
		a.mu.Unlock()

		a.emit(ble.LinkChanged{Address: address, Connected: true})
	}()
	return nil
}

// onConnectChange only reports drops; connects are reported when Connect returns
func (a *Adapter) onConnectChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	address := device.Address.String()

	a.mu.Lock()
	if a.address == address {
		a.device = nil
		a.chars = make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic)
	}
	a.mu.Unlock()

	a.log.Info("Link to %s dropped", address)
	a.emit(ble.LinkChanged{Address: address, Connected: false})
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	dev := a.device
	a.device = nil
	a.chars = make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic)
	a.mu.Unlock()

	if a.bluez != nil {
		a.bluez.Unsubscribe()
	}
	if dev == nil {
		return nil
	}
	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

func (a *Adapter) DiscoverServices() error {
	a.mu.Lock()
	dev := a.device
	a.mu.Unlock()
	if dev == nil {
		return ble.ErrNotConnected
	}

	go func() {
		services, err := dev.DiscoverServices(nil)
		if err != nil {
			a.log.Error("Service discovery failed: %v", err)
			a.emit(ble.ServicesDiscovered{Status: statusGATTError})
			return
		}
		a.log.Info("Found %d services", len(services))

		found := make([]ble.Service, 0, len(services))
		chars := make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic)
		for _, svc := range services {
			discovered, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				a.log.Warn("Failed to discover characteristics of %s: %v", svc.UUID().String(), err)
				continue
			}
			entry := ble.Service{UUID: svc.UUID()}
			for _, c := range discovered {
				a.log.Debug("  Characteristic %s", c.UUID().String())
				entry.Characteristics = append(entry.Characteristics, c.UUID())
				chars[c.UUID()] = c
			}
			found = append(found, entry)
		}

		a.mu.Lock()
		a.chars = chars
		a.mu.Unlock()

		a.emit(ble.ServicesDiscovered{Services: found})
	}()
	return nil
}

func (a *Adapter) characteristic(uuid bluetooth.UUID) (bluetooth.DeviceCharacteristic, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.chars[uuid]
	return c, a.address, ok
}

// EnableNotifications subscribes through the BLE stack and falls back to
// BlueZ signals on hosts where stack notifications are unreliable.
func (a *Adapter) EnableNotifications(uuid bluetooth.UUID) error {
	c, address, ok := a.characteristic(uuid)
	if !ok {
		return ble.ErrNotConnected
	}

	deliver := func(buf []byte) {
		a.emit(ble.Notified{Characteristic: uuid, Payload: append([]byte(nil), buf...)})
	}

	err := c.EnableNotifications(deliver)
	if err == nil {
		return nil
	}
	if a.bluez == nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	a.log.Warn("Stack notifications failed (%v), falling back to D-Bus", err)
	if err := a.bluez.Subscribe(address, uuid, deliver); err != nil {
		return fmt.Errorf("failed to enable notifications over D-Bus: %w", err)
	}
	return nil
}

func (a *Adapter) WriteCharacteristic(uuid bluetooth.UUID, payload []byte, mode ble.WriteMode) error {
	c, _, ok := a.characteristic(uuid)
	if !ok {
		return ble.ErrNotConnected
	}

	if mode == ble.WithoutResponse {
		_, err := c.WriteWithoutResponse(payload)
		return err
	}

	data := append([]byte(nil), payload...)
	go func() {
		status := ble.StatusSuccess
		if _, err := c.Write(data); err != nil {
			a.log.Warn("Write to %s failed: %v", uuid.String(), err)
			status = statusWriteFailed
		}
		a.emit(ble.WriteCompleted{Characteristic: uuid, Status: status})
	}()
	return nil
}
