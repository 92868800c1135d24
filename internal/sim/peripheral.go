package sim

import (
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"motorlink/internal/ble"
	"motorlink/internal/logger"
	"motorlink/internal/motor"
)

// Config describes the simulated motor controller
type Config struct {
	Address           string
	Name              string
	DeviceID          []byte
	AdvertiseInterval time.Duration
	TelemetryInterval time.Duration
	ConnectDelay      time.Duration
}

// DefaultConfig advertises like a factory-fresh controller and notifies at 10 Hz
func DefaultConfig() Config {
	return Config{
		Address:           "C0:FF:EE:00:00:01",
		Name:              "MotorLink Sim",
		DeviceID:          []byte{0xC0, 0xFF, 0xEE, 0x00, 0x00, 0x01},
		AdvertiseInterval: 200 * time.Millisecond,
		TelemetryInterval: 100 * time.Millisecond,
		ConnectDelay:      50 * time.Millisecond,
	}
}

// ATT/GATT status codes the simulated firmware answers with
const (
	statusWriteNotPermitted = 0x03
	statusInvalidLength     = 0x0D
	statusConnectFailed     = 0x85
)

// Peripheral is an in-process ble.Transport with one simulated motor controller
// on the other end of the link.
type Peripheral struct {
	mu      sync.Mutex
	cfg     Config
	handler func(ble.Event)
	events  chan ble.Event
	done    chan struct{}
	closed  bool

	enabled     bool
	advertising bool
	scanStop    chan struct{}

	connected     bool
	telemetryStop chan struct{}
	motor         Motor
	commands      int

	log logger.Tagged
}

var _ ble.Transport = (*Peripheral)(nil)

// NewPeripheral starts the event delivery loop. Call Close when done.
func NewPeripheral(cfg Config) *Peripheral {
	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if len(cfg.DeviceID) != ble.DeviceIDSize {
		cfg.DeviceID = d.DeviceID
	}
	if cfg.AdvertiseInterval <= 0 {
		cfg.AdvertiseInterval = d.AdvertiseInterval
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = d.TelemetryInterval
	}

	p := &Peripheral{
		cfg:         cfg,
		events:      make(chan ble.Event, 256),
		done:        make(chan struct{}),
		enabled:     true,
		advertising: true,
		log:         logger.For("SIM"),
	}
	go p.deliver()
	return p
}

// Close stops every simulation goroutine
func (p *Peripheral) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopScanLocked()
	p.stopTelemetryLocked()
	close(p.done)
}

func (p *Peripheral) deliver() {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.events:
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}

// post queues ev for asynchronous delivery, preserving order
func (p *Peripheral) post(ev ble.Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn("Event queue full, dropping %T", ev)
	}
}

func (p *Peripheral) SetEventHandler(handler func(ble.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// SetEnabled simulates the host radio being switched on or off
func (p *Peripheral) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

func (p *Peripheral) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetAdvertising powers the simulated controller's advertiser on or off
func (p *Peripheral) SetAdvertising(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = on
}

// Config returns the simulated controller description
func (p *Peripheral) Config() Config {
	return p.cfg
}

func (p *Peripheral) advertisement() ble.Advertisement {
	return ble.Advertisement{
		Name:         p.cfg.Name,
		Connectable:  true,
		ServiceUUIDs: []bluetooth.UUID{ble.ServiceMotor},
		ManufacturerData: []ble.ManufacturerData{{
			CompanyID: ble.CompanyID,
			Data:      append([]byte(nil), p.cfg.DeviceID...),
		}},
	}
}

func (p *Peripheral) StartScan(filter ble.ScanFilter, mode ble.ScanMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return ble.ErrTransportDisabled
	}
	if p.scanStop != nil {
		return ble.ErrAlreadyScanning
	}
	stop := make(chan struct{})
	p.scanStop = stop
	go p.advertise(filter, stop)
	return nil
}

func (p *Peripheral) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopScanLocked()
	return nil
}

func (p *Peripheral) stopScanLocked() {
	if p.scanStop != nil {
		close(p.scanStop)
		p.scanStop = nil
	}
}

func (p *Peripheral) advertise(filter ble.ScanFilter, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.AdvertiseInterval)
	defer ticker.Stop()

	rssi := -52
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		visible := p.advertising && !p.connected
		p.mu.Unlock()
		if !visible {
			continue
		}

		ad := p.advertisement()
		if !filter.Matches(ad) {
			continue
		}
		// Wander a little so the UI has something to show
		rssi--
		if rssi < -60 {
			rssi = -52
		}
		p.post(ble.Sighting{Address: p.cfg.Address, RSSI: rssi, Advertisement: ad})
	}
}

func (p *Peripheral) Connect(address string) error {
	if address != p.cfg.Address {
		p.log.Warn("No simulated controller at %s", address)
		time.AfterFunc(p.cfg.ConnectDelay, func() {
			p.post(ble.LinkChanged{Address: address, Status: statusConnectFailed})
		})
		return nil
	}

	time.AfterFunc(p.cfg.ConnectDelay, func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.connected = true
		p.motor.Heartbeat(time.Now())
		p.mu.Unlock()

		p.log.Info("Central connected")
		p.post(ble.LinkChanged{Address: address, Name: p.cfg.Name, Connected: true})
	})
	return nil
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked()
	return nil
}

// DropLink simulates the controller going out of range
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info("Simulating link loss")
	p.dropLocked()
}

func (p *Peripheral) dropLocked() {
	if !p.connected {
		return
	}
	p.connected = false
	p.stopTelemetryLocked()
	p.post(ble.LinkChanged{Address: p.cfg.Address, Connected: false})
}

func (p *Peripheral) DiscoverServices() error {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return ble.ErrNotConnected
	}

	p.post(ble.ServicesDiscovered{Services: []ble.Service{{
		UUID:            ble.ServiceMotor,
		Characteristics: []bluetooth.UUID{ble.CharCommand, ble.CharTelemetry, ble.CharHeartbeat},
	}}})
	return nil
}

func (p *Peripheral) EnableNotifications(char bluetooth.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ble.ErrNotConnected
	}
	if char != ble.CharTelemetry || p.telemetryStop != nil {
		return nil
	}
	stop := make(chan struct{})
	p.telemetryStop = stop
	go p.notify(stop)
	return nil
}

func (p *Peripheral) stopTelemetryLocked() {
	if p.telemetryStop != nil {
		close(p.telemetryStop)
		p.telemetryStop = nil
	}
}

func (p *Peripheral) notify(stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.TelemetryInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			sample := p.motor.Step(now, now.Sub(last))
			p.mu.Unlock()
			last = now
			p.post(ble.Notified{Characteristic: ble.CharTelemetry, Payload: motor.EncodeTelemetry(sample)})
		}
	}
}

func (p *Peripheral) WriteCharacteristic(char bluetooth.UUID, payload []byte, mode ble.WriteMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ble.ErrNotConnected
	}

	status := ble.StatusSuccess
	switch char {
	case ble.CharHeartbeat:
		p.motor.Heartbeat(time.Now())
	case ble.CharCommand:
		cmd, err := motor.DecodeCommand(payload)
		if err != nil {
			p.log.Warn("Rejecting malformed command: %v", err)
			status = statusInvalidLength
			break
		}
		p.commands++
		p.log.Debug("Command %s(%d)", cmd.Op, cmd.Value)
		p.motor.Apply(cmd)
	default:
		status = statusWriteNotPermitted
	}

	if mode == ble.WithResponse {
		p.post(ble.WriteCompleted{Characteristic: char, Status: status})
	}
	return nil
}

// Commands returns how many motor commands the controller has executed
func (p *Peripheral) Commands() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands
}
