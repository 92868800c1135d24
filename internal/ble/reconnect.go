package ble

import (
	"context"
	"time"
)

// ReconnectResult is how a reconnect attempt ended
type ReconnectResult string

const (
	ReconnectFound   ReconnectResult = "found"
	ReconnectTimeout ReconnectResult = "timeout"
	ReconnectFailed  ReconnectResult = "failed"
)

// ReconnectOutcome is reported once per attempt that was not cancelled
type ReconnectOutcome struct {
	Result   ReconnectResult `json:"result"`
	DeviceID string          `json:"device_id"`
	Address  string          `json:"address,omitempty"`
	Elapsed  time.Duration   `json:"elapsed"`
	Err      error           `json:"-"`
}

func (m *Manager) reconnectTargetLocked() ReconnectTarget {
	return ReconnectTarget{
		DeviceID:      append([]byte(nil), m.target...),
		CompanyID:     m.settings.CompanyID,
		Service:       ServiceMotor,
		Timeout:       m.settings.ReconnectTimeout,
		RetryInterval: m.settings.RetryInterval,
		SettleDelay:   m.settings.SettleDelay,
		ScanMode:      m.settings.ScanMode,
	}
}

// Reconnect starts a reconnect attempt for the known target device id.
// An attempt already in progress is cancelled.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.target) != DeviceIDSize {
		return ErrInvalidDeviceID
	}
	if !m.transport.Enabled() {
		return ErrTransportDisabled
	}
	m.startReconnectLocked(m.reconnectTargetLocked())
	return nil
}

func (m *Manager) startReconnectLocked(t ReconnectTarget) {
	m.cancelReconnectLocked()

	ctx, cancel := context.WithCancel(m.rootCtx())
	m.reconnectGen++
	m.reconnectCancel = cancel

	m.log.Info("Reconnecting to %s (timeout=%s)", FormatDeviceID(t.DeviceID), t.Timeout)
	go m.runReconnect(ctx, m.reconnectGen, t)
}

// cancelReconnectLocked stops the attempt in progress, if any, together with its scan
func (m *Manager) cancelReconnectLocked() {
	if m.reconnectCancel == nil {
		return
	}
	m.reconnectCancel()
	m.reconnectCancel = nil
	m.reconnectGen++
	if m.scanning && m.scanOwner == scanReconnect {
		m.stopScanLocked()
	}
	m.log.Debug("Reconnect attempt cancelled")
}

func (m *Manager) runReconnect(ctx context.Context, gen uint64, t ReconnectTarget) {
	started := time.Now()
	outcome := ReconnectOutcome{DeviceID: FormatDeviceID(t.DeviceID)}

	if t.SettleDelay > 0 {
		settle := time.NewTimer(t.SettleDelay)
		select {
		case <-ctx.Done():
			settle.Stop()
			return
		case <-settle.C:
		}
	}

	filter := t.Filter()

	m.mu.Lock()
	if gen != m.reconnectGen {
		m.mu.Unlock()
		return
	}
	if m.scanning {
		m.stopScanLocked()
	}
	err := m.startScanLocked(filter, t.ScanMode, scanReconnect)
	if err != nil {
		m.reconnectCancel = nil
		m.mu.Unlock()
		m.log.Error("Reconnect scan failed: %v", err)
		outcome.Result = ReconnectFailed
		outcome.Err = err
		outcome.Elapsed = time.Since(started)
		m.reportReconnect(outcome)
		return
	}
	m.mu.Unlock()

	deadline := time.NewTimer(t.Timeout)
	defer deadline.Stop()
	poll := time.NewTicker(t.RetryInterval)
	defer poll.Stop()

	match := func(p Peripheral) bool { return filter.Matches(p.Advertisement) }

	for {
		if p, ok := m.registry.First(match); ok {
			if !m.finishReconnect(gen) {
				return
			}
			m.log.Info("Found %s at %s after %s", outcome.DeviceID, p.Address, time.Since(started).Round(time.Millisecond))
			outcome.Result = ReconnectFound
			outcome.Address = p.Address
			outcome.Elapsed = time.Since(started)
			m.reportReconnect(outcome)

			if err := m.Connect(p); err != nil {
				m.log.Error("Reconnect failed: %v", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			if !m.finishReconnect(gen) {
				return
			}
			m.log.Warn("Reconnect to %s timed out after %s", outcome.DeviceID, t.Timeout)
			outcome.Result = ReconnectTimeout
			outcome.Elapsed = time.Since(started)
			m.reportReconnect(outcome)
			return
		case <-poll.C:
		case <-m.reconnectWake:
		}
	}
}

// finishReconnect stops the reconnect scan and retires gen. It returns false
// if the attempt has already been superseded.
func (m *Manager) finishReconnect(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.reconnectGen {
		return false
	}
	if m.scanning && m.scanOwner == scanReconnect {
		m.stopScanLocked()
	}
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.reconnectGen++
	return true
}

func (m *Manager) reportReconnect(o ReconnectOutcome) {
	m.mu.Lock()
	fn := m.onReconnect
	m.mu.Unlock()
	if fn != nil {
		fn(o)
	}
}
