package ble

import "motorlink/internal/motor"

// StateKind names the major connection state
type StateKind string

const (
	StateDisconnected StateKind = "disconnected"
	StateScanning     StateKind = "scanning"
	StateConnecting   StateKind = "connecting"
	StateConnected    StateKind = "connected"
)

// State is the observable link state. Name is set for Connecting and Connected;
// Telemetry is only ever set for Connected and stays nil until the first notification.
type State struct {
	Kind      StateKind        `json:"state"`
	Name      string           `json:"name,omitempty"`
	Telemetry *motor.Telemetry `json:"telemetry,omitempty"`
}

func Disconnected() State { return State{Kind: StateDisconnected} }

func Scanning() State { return State{Kind: StateScanning} }

func Connecting(name string) State { return State{Kind: StateConnecting, Name: name} }

func Connected(name string) State { return State{Kind: StateConnected, Name: name} }

// WithTelemetry returns a copy carrying the sample. Only meaningful for Connected.
func (s State) WithTelemetry(t motor.Telemetry) State {
	s.Telemetry = &t
	return s
}

// IsLinked reports whether a transport link is up
func (s State) IsLinked() bool {
	return s.Kind == StateConnecting || s.Kind == StateConnected
}

func (s State) String() string {
	if s.Name != "" {
		return string(s.Kind) + "(" + s.Name + ")"
	}
	return string(s.Kind)
}
