package sim

import (
	"time"

	"motorlink/internal/motor"
)

const (
	// Fraction of the remaining speed error closed per second
	speedResponse = 4.0
	// Fastest the shaft turns while seeking a position, degrees per second
	positionSlewRate = 360.0
	// Sustained speed above which the overheat flag is raised
	overheatRPM     = 6000
	overheatAfter   = 5 * time.Second
	heartbeatWindow = 3 * time.Second
)

// Motor is a first-order model of the brushless controller
type Motor struct {
	state       uint8
	rpm         float64
	angle       float64
	targetRPM   float64
	targetAngle float64

	hotSince      time.Time
	lastHeartbeat time.Time
}

// Apply executes a decoded command
func (m *Motor) Apply(cmd motor.Command) {
	switch cmd.Op {
	case motor.OpShutdown:
		m.state = motor.StateOff
		m.targetRPM = 0
	case motor.OpCalibrate:
		m.state = motor.StateInit
		m.targetRPM = 0
		m.rpm = 0
		m.angle = 0
		m.targetAngle = 0
	case motor.OpSpeed:
		m.state = motor.StateSpeed
		m.targetRPM = float64(cmd.Value)
	case motor.OpPosition:
		m.state = motor.StatePosition
		m.targetRPM = 0
		m.targetAngle = float64(cmd.Value)
	}
}

// Heartbeat records a keep-alive from the central
func (m *Motor) Heartbeat(now time.Time) {
	m.lastHeartbeat = now
}

// Step advances the model by dt and returns the sample the firmware would notify
func (m *Motor) Step(now time.Time, dt time.Duration) motor.Telemetry {
	secs := dt.Seconds()

	switch m.state {
	case motor.StatePosition:
		diff := m.targetAngle - m.angle
		step := positionSlewRate * secs
		if diff > step {
			diff = step
		} else if diff < -step {
			diff = -step
		}
		m.angle += diff
		m.rpm = 0
		if secs > 0 {
			m.rpm = diff / secs / 6
		}
	default:
		k := speedResponse * secs
		if k > 1 {
			k = 1
		}
		m.rpm += (m.targetRPM - m.rpm) * k
		m.angle += m.rpm * 6 * secs
		for m.angle >= 360 {
			m.angle -= 360
		}
		for m.angle < 0 {
			m.angle += 360
		}
	}

	if m.state == motor.StateInit {
		m.state = motor.StateOff
	}

	if m.rpm > overheatRPM || m.rpm < -overheatRPM {
		if m.hotSince.IsZero() {
			m.hotSince = now
		}
	} else {
		m.hotSince = time.Time{}
	}

	status := m.state
	if !m.lastHeartbeat.IsZero() && now.Sub(m.lastHeartbeat) > heartbeatWindow {
		status |= motor.FlagSyncWarning
	}
	if !m.hotSince.IsZero() && now.Sub(m.hotSince) >= overheatAfter {
		status |= motor.FlagOverheat
	}

	return motor.Telemetry{
		Status: status,
		RPM:    int32(m.rpm),
		Angle:  int32(m.angle),
	}
}
