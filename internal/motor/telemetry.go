package motor

import "encoding/binary"

// Status byte layout as packed by the firmware: low nibble is the motor state,
// high nibble carries warning flags.
const (
	StateMask = 0x0F
	FlagMask  = 0xF0

	FlagSyncWarning = 0x10
	FlagOverheat    = 0x20
)

// Motor states carried in the low nibble of the status byte
const (
	StateOff      = 0x00
	StateInit     = 0x01
	StateSpeed    = 0x02
	StatePosition = 0x03
)

// Telemetry is one decoded notification from the telemetry characteristic
type Telemetry struct {
	Status uint8 `json:"status"`
	RPM    int32 `json:"rpm"`
	Angle  int32 `json:"angle"`
}

// DecodeTelemetry parses a telemetry notification.
// Payloads shorter than TelemetrySize yield ok=false.
func DecodeTelemetry(data []byte) (Telemetry, bool) {
	if len(data) < TelemetrySize {
		return Telemetry{}, false
	}
	return Telemetry{
		Status: data[0],
		RPM:    int32(binary.LittleEndian.Uint32(data[1:5])),
		Angle:  int32(binary.LittleEndian.Uint32(data[5:9])),
	}, true
}

// EncodeTelemetry packs a sample the way the firmware does
func EncodeTelemetry(t Telemetry) []byte {
	buf := make([]byte, TelemetrySize)
	buf[0] = t.Status
	binary.LittleEndian.PutUint32(buf[1:5], uint32(t.RPM))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(t.Angle))
	return buf
}

// State returns the motor state nibble
func (t Telemetry) State() uint8 {
	return t.Status & StateMask
}

// SyncWarning reports a heartbeat slip seen by the firmware
func (t Telemetry) SyncWarning() bool {
	return t.Status&FlagSyncWarning != 0
}

// Overheat reports the firmware's overheat flag
func (t Telemetry) Overheat() bool {
	return t.Status&FlagOverheat != 0
}
