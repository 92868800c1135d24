package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"motorlink/internal/logger"
	"motorlink/internal/motor"
)

type scanOwner int

const (
	scanNone scanOwner = iota
	scanDiscovery
	scanReconnect
)

// binding records which motor characteristics were found on the connected peripheral
type binding struct {
	command   bool
	telemetry bool
	heartbeat bool
}

func (b binding) has(char bluetooth.UUID) bool {
	switch char {
	case CharCommand:
		return b.command
	case CharTelemetry:
		return b.telemetry
	case CharHeartbeat:
		return b.heartbeat
	}
	return false
}

// Status is a point-in-time snapshot for observers
type Status struct {
	State          State     `json:"state"`
	Scanning       bool      `json:"scanning"`
	Reconnecting   bool      `json:"reconnecting"`
	Address        string    `json:"address,omitempty"`
	TargetDeviceID string    `json:"target_device_id,omitempty"`
	PendingWrites  int       `json:"pending_writes"`
	LastChange     time.Time `json:"last_change"`
}

// Manager owns the link to one motor controller: scanning, connecting,
// command scheduling, keep-alive and automatic reconnection.
type Manager struct {
	mu        sync.Mutex
	transport Transport
	settings  Settings
	registry  *Registry
	scheduler *Scheduler
	log       logger.Tagged

	ctx    context.Context
	cancel context.CancelFunc

	state      State
	lastChange time.Time
	subs       map[int]chan State
	nextSub    int

	scanning  bool
	scanOwner scanOwner

	sweepCancel     context.CancelFunc
	heartbeatCancel context.CancelFunc
	reconnectCancel context.CancelFunc
	reconnectGen    uint64
	reconnectWake   chan struct{}

	linked         bool
	userDisconnect bool
	peripheral     *Peripheral
	target         []byte
	bound          binding

	onTelemetry func(motor.Telemetry)
	onReconnect func(ReconnectOutcome)
	onSession   func(SessionEvent)
	sessions    chan SessionEvent
}

// SessionEvent reports the start and end of a connected session
type SessionEvent struct {
	Connected bool
	Address   string
	Name      string
	DeviceID  []byte
	At        time.Time
}

// NewManager wires a manager to its transport. Call Start before use.
func NewManager(t Transport, settings Settings) *Manager {
	settings = settings.withDefaults().clone()
	m := &Manager{
		transport:  t,
		settings:   settings,
		registry:   NewRegistry(settings.CompanyID),
		log:        logger.For("BLE"),
		state:      Disconnected(),
		lastChange: time.Now(),
		subs:       make(map[int]chan State),

		reconnectWake: make(chan struct{}, 1),
		sessions:      make(chan SessionEvent, 32),
	}
	if len(settings.DeviceID) == DeviceIDSize {
		m.target = append([]byte(nil), settings.DeviceID...)
	}
	m.scheduler = NewScheduler(m.writerFor, settings.AckTimeout)
	t.SetEventHandler(m.Handle)
	return m
}

// Start launches the dispatch loop. Background tasks are children of ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	m.scheduler.Start(runCtx)
	go m.deliverSessions(runCtx)
}

// Close disconnects, stops scanning and ends every background task
func (m *Manager) Close() {
	m.Disconnect()
	m.StopScan()

	m.mu.Lock()
	m.cancelReconnectLocked()
	cancel := m.cancel
	m.cancel = nil
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.scheduler.Stop()
	if cancel != nil {
		cancel()
	}
}

// Registry exposes the scan registry for snapshots
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetPeripheralHandlers installs per-sighting and per-eviction callbacks
func (m *Manager) SetPeripheralHandlers(found, removed func(Peripheral)) {
	m.registry.SetListeners(found, removed)
}

// SetTelemetryHandler is called with every decoded telemetry sample
func (m *Manager) SetTelemetryHandler(fn func(motor.Telemetry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTelemetry = fn
}

// SetReconnectHandler is called when a reconnect attempt finishes
func (m *Manager) SetReconnectHandler(fn func(ReconnectOutcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// SetSessionHandler is called when a session becomes Connected and when it ends
func (m *Manager) SetSessionHandler(fn func(SessionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSession = fn
}

// SetCommandResultHandler is called once per dispatched or discarded write
func (m *Manager) SetCommandResultHandler(fn func(Operation, error)) {
	m.scheduler.SetResultHandler(fn)
}

// ApplyConfig atomically replaces the settings
func (m *Manager) ApplyConfig(s Settings) {
	s = s.withDefaults().clone()

	m.mu.Lock()
	m.settings = s
	if len(s.DeviceID) == DeviceIDSize {
		m.target = append([]byte(nil), s.DeviceID...)
	}
	m.mu.Unlock()

	m.registry.SetCompanyID(s.CompanyID)
	m.scheduler.SetAckTimeout(s.AckTimeout)
	m.log.Info("Configuration applied (auto-reconnect=%v, timeout=%s, retry=%s)",
		s.AutoReconnect, s.ReconnectTimeout, s.RetryInterval)
}

// Settings returns a copy of the current settings
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.clone()
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TargetDeviceID returns the 6-byte id used for reconnects, or nil
func (m *Manager) TargetDeviceID() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return nil
	}
	return append([]byte(nil), m.target...)
}

// Status returns a snapshot of the manager
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:          m.state,
		Scanning:       m.scanning,
		Reconnecting:   m.reconnectCancel != nil,
		TargetDeviceID: FormatDeviceID(m.target),
		LastChange:     m.lastChange,
	}
	if m.peripheral != nil {
		st.Address = m.peripheral.Address
	}
	m.mu.Unlock()

	st.PendingWrites = m.scheduler.Pending()
	return st
}

// Subscribe returns a channel receiving every state change, starting with the current state.
// Slow subscribers lose intermediate states, never the latest one.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan State, 16)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.state

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	prev := m.state
	m.state = s
	m.lastChange = time.Now()
	if prev.Kind != s.Kind || prev.Name != s.Name {
		m.log.Info("State %s -> %s", prev, s)
	}

	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (m *Manager) rootCtx() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// StartScan begins discovery. Any reconnect attempt in progress is cancelled.
func (m *Manager) StartScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanning && m.scanOwner == scanDiscovery {
		return ErrAlreadyScanning
	}
	if !m.transport.Enabled() {
		return ErrTransportDisabled
	}

	m.cancelReconnectLocked()
	if m.scanning {
		m.stopScanLocked()
	}

	var filter ScanFilter
	if m.settings.FilterByService {
		service := ServiceMotor
		filter.Service = &service
	}
	if err := m.startScanLocked(filter, m.settings.ScanMode, scanDiscovery); err != nil {
		return err
	}

	if m.state.Kind == StateDisconnected {
		m.setStateLocked(Scanning())
	}
	m.log.Info("Scan started (mode=%s, filter-by-service=%v)", m.settings.ScanMode, m.settings.FilterByService)
	return nil
}

// startScanLocked clears the registry and starts a transport scan owned by owner
func (m *Manager) startScanLocked(filter ScanFilter, mode ScanMode, owner scanOwner) error {
	m.registry.Clear()
	if err := m.transport.StartScan(filter, mode); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	m.scanning = true
	m.scanOwner = owner
	m.startSweepLocked()
	return nil
}

// StopScan ends discovery
func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.scanning {
		return ErrNotScanning
	}
	m.stopScanLocked()
	return nil
}

func (m *Manager) stopScanLocked() {
	if err := m.transport.StopScan(); err != nil {
		m.log.Warn("Failed to stop scan: %v", err)
	}
	if m.sweepCancel != nil {
		m.sweepCancel()
		m.sweepCancel = nil
	}
	m.scanning = false
	m.scanOwner = scanNone

	if m.state.Kind == StateScanning {
		m.setStateLocked(Disconnected())
	}
	m.log.Info("Scan stopped")
}

func (m *Manager) startSweepLocked() {
	if m.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.rootCtx())
	m.sweepCancel = cancel
	go m.runSweep(ctx, m.settings.SweepInterval, m.settings.StaleAfter)
}

func (m *Manager) runSweep(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range m.registry.Sweep(now, staleAfter) {
				m.log.Debug("Evicted stale peripheral %s", p.Address)
			}
		}
	}
}

// Connect opens a link to p. Any scan is stopped and any previous link closed first.
func (m *Manager) Connect(p Peripheral) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelReconnectLocked()
	if m.scanning {
		m.stopScanLocked()
	}

	if len(p.DeviceID) == DeviceIDSize {
		m.target = append([]byte(nil), p.DeviceID...)
	}

	if m.linked {
		if err := m.transport.Disconnect(); err != nil {
			m.log.Warn("Failed to close previous link: %v", err)
		}
		m.endSessionLocked()
		if m.state.IsLinked() {
			m.setStateLocked(Disconnected())
		}
	}

	peripheral := p.clone()
	m.peripheral = &peripheral
	m.userDisconnect = false
	m.linked = true

	m.log.Info("Connecting to %s (%s)", p.Address, p.Name)
	if err := m.transport.Connect(p.Address); err != nil {
		m.linked = false
		m.peripheral = nil
		return fmt.Errorf("failed to connect to %s: %w", p.Address, err)
	}
	return nil
}

// Disconnect closes the link at the operator's request. No reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelReconnectLocked()

	if m.linked {
		if err := m.transport.Disconnect(); err != nil {
			m.log.Warn("Disconnect failed: %v", err)
		}
		m.userDisconnect = true
	}
	m.linked = false
	m.endSessionLocked()
	m.peripheral = nil

	if m.state.IsLinked() {
		m.setStateLocked(Disconnected())
	}
}

// endSessionLocked tears down everything owned by the connection session
func (m *Manager) endSessionLocked() {
	m.scheduler.Clear()
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		m.heartbeatCancel = nil
	}
	if m.bound != (binding{}) {
		m.emitSessionLocked(false)
	}
	m.bound = binding{}
}

func (m *Manager) emitSessionLocked(connected bool) {
	if m.onSession == nil {
		return
	}
	ev := SessionEvent{Connected: connected, Name: m.state.Name, At: time.Now()}
	if m.peripheral != nil {
		ev.Address = m.peripheral.Address
		ev.DeviceID = append([]byte(nil), m.peripheral.DeviceID...)
		if ev.Name == "" {
			ev.Name = m.peripheral.Name
		}
	}
	select {
	case m.sessions <- ev:
	default:
		m.log.Warn("Session event queue full, dropping %v event for %s", connected, ev.Address)
	}
}

// deliverSessions hands session events to the handler in order, outside the manager lock
func (m *Manager) deliverSessions(ctx context.Context) {
	for {
		select {
		case ev := <-m.sessions:
			m.notifySession(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-m.sessions:
					m.notifySession(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) notifySession(ev SessionEvent) {
	m.mu.Lock()
	fn := m.onSession
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Handle is the single entry point for transport events
func (m *Manager) Handle(ev Event) {
	switch e := ev.(type) {
	case Sighting:
		m.handleSighting(e)
	case ScanFailed:
		m.handleScanFailed(e)
	case LinkChanged:
		m.handleLink(e)
	case ServicesDiscovered:
		m.handleServices(e)
	case WriteCompleted:
		if e.Status != StatusSuccess {
			m.log.Warn("Write to %s completed with status %d", e.Characteristic.String(), e.Status)
		}
		m.scheduler.WriteCompleted(e.Characteristic, e.Status)
	case Notified:
		m.handleNotification(e)
	default:
		m.log.Warn("Unhandled transport event %T", ev)
	}
}

func (m *Manager) handleSighting(s Sighting) {
	m.mu.Lock()
	scanning := m.scanning
	m.mu.Unlock()

	if !scanning || s.Address == "" {
		return
	}
	m.registry.Upsert(s, time.Now())

	select {
	case m.reconnectWake <- struct{}{}:
	default:
	}
}

func (m *Manager) handleScanFailed(e ScanFailed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Error("Scan failed: %v", e.Err)
	if !m.scanning {
		return
	}
	if m.sweepCancel != nil {
		m.sweepCancel()
		m.sweepCancel = nil
	}
	m.scanning = false
	m.scanOwner = scanNone
	if m.state.Kind == StateScanning {
		m.setStateLocked(Disconnected())
	}
}

func (m *Manager) handleLink(e LinkChanged) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peripheral != nil && e.Address != "" && e.Address != m.peripheral.Address {
		m.log.Debug("Ignoring link event for previous peripheral %s", e.Address)
		return
	}

	if e.Status != StatusSuccess {
		m.log.Error("GATT error %d on %s", e.Status, e.Address)
		if err := m.transport.Disconnect(); err != nil {
			m.log.Warn("Failed to close link after GATT error: %v", err)
		}
		m.linkLostLocked()
		return
	}

	if !e.Connected {
		m.linkLostLocked()
		return
	}

	// A connect that finishes after Disconnect must not revive the session
	if !m.linked {
		m.log.Info("Closing link to %s opened after disconnect", e.Address)
		if err := m.transport.Disconnect(); err != nil {
			m.log.Warn("Failed to close late link: %v", err)
		}
		return
	}

	m.cancelReconnectLocked()
	m.linked = true
	m.userDisconnect = false

	name := e.Name
	if name == "" && m.peripheral != nil {
		name = m.peripheral.Name
	}
	m.setStateLocked(Connecting(name))

	if err := m.transport.DiscoverServices(); err != nil {
		m.log.Error("Failed to start service discovery: %v", err)
	}
}

func (m *Manager) linkLostLocked() {
	wasLinked := m.state.IsLinked()
	userInitiated := m.userDisconnect
	m.userDisconnect = false
	m.linked = false

	m.endSessionLocked()
	if wasLinked {
		m.setStateLocked(Disconnected())
	}

	if userInitiated || !wasLinked {
		return
	}
	if !m.settings.AutoReconnect || len(m.target) != DeviceIDSize {
		m.log.Info("Link lost; auto-reconnect not attempted")
		return
	}
	m.startReconnectLocked(m.reconnectTargetLocked())
}

func (m *Manager) handleServices(e ServicesDiscovered) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsLinked() {
		return
	}
	if e.Status != StatusSuccess {
		m.log.Error("Service discovery failed with status %d", e.Status)
		return
	}

	svc, ok := findService(e.Services, ServiceMotor)
	if !ok {
		m.log.Error("Motor service not found on peripheral")
		return
	}

	m.bound = binding{
		command:   svc.has(CharCommand),
		telemetry: svc.has(CharTelemetry),
		heartbeat: svc.has(CharHeartbeat),
	}
	if !m.bound.command {
		m.log.Warn("Command characteristic missing")
	}
	if m.bound.telemetry {
		if err := m.transport.EnableNotifications(CharTelemetry); err != nil {
			m.log.Error("Failed to enable telemetry notifications: %v", err)
		}
	}

	m.setStateLocked(Connected(m.state.Name))
	m.startHeartbeatLocked()
	m.emitSessionLocked(true)
}

func (m *Manager) handleNotification(e Notified) {
	if e.Characteristic != CharTelemetry {
		return
	}
	sample, ok := motor.DecodeTelemetry(e.Payload)
	if !ok {
		m.log.Debug("Ignoring %d-byte telemetry payload", len(e.Payload))
		return
	}

	m.mu.Lock()
	if m.state.Kind != StateConnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(m.state.WithTelemetry(sample))
	fn := m.onTelemetry
	m.mu.Unlock()

	if fn != nil {
		fn(sample)
	}
}

// writerFor is the scheduler's view of the transport
func (m *Manager) writerFor(char bluetooth.UUID) Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.linked || !m.bound.has(char) {
		return nil
	}
	return m.transport
}

func (m *Manager) startHeartbeatLocked() {
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
	}
	ctx, cancel := context.WithCancel(m.rootCtx())
	m.heartbeatCancel = cancel
	go m.runHeartbeat(ctx, m.settings.HeartbeatInterval)
}

func (m *Manager) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var counter uint8
	for {
		m.sendHeartbeat(counter)
		counter = motor.NextHeartbeat(counter)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) sendHeartbeat(counter uint8) {
	m.mu.Lock()
	ok := m.state.Kind == StateConnected && m.bound.heartbeat
	m.mu.Unlock()
	if !ok {
		return
	}
	m.scheduler.Enqueue(CharHeartbeat, motor.HeartbeatPayload(counter), WithoutResponse, PriorityHigh)
}

func (m *Manager) enqueueCommand(payload []byte, priority Priority) error {
	m.mu.Lock()
	ok := m.linked && m.bound.command
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	m.scheduler.Enqueue(CharCommand, payload, WithResponse, priority)
	return nil
}

// SetSpeed queues a target speed in rpm
func (m *Manager) SetSpeed(rpm int32) error {
	return m.enqueueCommand(motor.SpeedCommand(rpm), PriorityLow)
}

// SetPosition queues a target position in degrees
func (m *Manager) SetPosition(degrees int32) error {
	return m.enqueueCommand(motor.PositionCommand(degrees), PriorityLow)
}

// Calibrate queues a motor re-initialisation
func (m *Manager) Calibrate() error {
	return m.enqueueCommand(motor.CalibrateCommand(), PriorityLow)
}

// Shutdown queues a safety stop ahead of everything else
func (m *Manager) Shutdown() error {
	return m.enqueueCommand(motor.ShutdownCommand(), PriorityCritical)
}
