package motor

import (
	"bytes"
	"testing"
)

// Test that a speed command survives encode/decode
func TestSpeedCommandRoundTrip(t *testing.T) {
	payload := SpeedCommand(1500)
	if len(payload) != CommandSize {
		t.Fatalf("Expected payload length %d, got %d", CommandSize, len(payload))
	}

	cmd, err := DecodeCommand(payload)
	if err != nil {
		t.Fatalf("Failed to decode command: %v", err)
	}
	if cmd.Op != OpSpeed {
		t.Errorf("Expected opcode %s, got %s", OpSpeed, cmd.Op)
	}
	if cmd.Value != 1500 {
		t.Errorf("Expected value 1500, got %d", cmd.Value)
	}
}

// Test the exact wire layout for each command
func TestCommandEncoding(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{"speed", SpeedCommand(1500), []byte{0x02, 0xDC, 0x05, 0x00, 0x00}},
		{"negative speed", SpeedCommand(-1), []byte{0x02, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"position", PositionCommand(90), []byte{0x03, 0x5A, 0x00, 0x00, 0x00}},
		{"calibrate", CalibrateCommand(), []byte{0x01, 0x00, 0x00, 0x00, 0x00}},
		{"shutdown", ShutdownCommand(), []byte{0x00, 0x00, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.payload, tt.want) {
				t.Errorf("Expected %x, got %x", tt.want, tt.payload)
			}
		})
	}
}

func TestDecodeCommandTooShort(t *testing.T) {
	if _, err := DecodeCommand([]byte{0x02, 0x00}); err == nil {
		t.Error("Expected error for short payload")
	}
}

func TestHeartbeatWraps(t *testing.T) {
	if got := NextHeartbeat(0); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
	if got := NextHeartbeat(253); got != 254 {
		t.Errorf("Expected 254, got %d", got)
	}
	if got := NextHeartbeat(254); got != 0 {
		t.Errorf("Expected counter to wrap to 0 after 254, got %d", got)
	}
	if p := HeartbeatPayload(7); len(p) != 1 || p[0] != 7 {
		t.Errorf("Unexpected heartbeat payload %x", p)
	}
}

func TestDecodeTelemetry(t *testing.T) {
	payload := []byte{0x01, 0xDC, 0x05, 0x00, 0x00, 0xA6, 0xFF, 0xFF, 0xFF}

	sample, ok := DecodeTelemetry(payload)
	if !ok {
		t.Fatal("Expected a sample from a 9-byte payload")
	}
	if sample.Status != 1 {
		t.Errorf("Expected status 1, got %d", sample.Status)
	}
	if sample.RPM != 1500 {
		t.Errorf("Expected rpm 1500, got %d", sample.RPM)
	}
	if sample.Angle != -90 {
		t.Errorf("Expected angle -90, got %d", sample.Angle)
	}
}

func TestDecodeTelemetryShortPayload(t *testing.T) {
	for n := 0; n < TelemetrySize; n++ {
		if _, ok := DecodeTelemetry(make([]byte, n)); ok {
			t.Errorf("Expected no sample for %d-byte payload", n)
		}
	}
}

func TestTelemetryStatusFlags(t *testing.T) {
	sample := Telemetry{Status: StateSpeed | FlagSyncWarning}
	if sample.State() != StateSpeed {
		t.Errorf("Expected state %d, got %d", StateSpeed, sample.State())
	}
	if !sample.SyncWarning() {
		t.Error("Expected sync warning flag")
	}
	if sample.Overheat() {
		t.Error("Did not expect overheat flag")
	}

	decoded, ok := DecodeTelemetry(EncodeTelemetry(Telemetry{Status: 0x23, RPM: -42, Angle: 359}))
	if !ok || decoded.RPM != -42 || decoded.Angle != 359 || !decoded.Overheat() {
		t.Errorf("Unexpected round trip result: %+v", decoded)
	}
}
