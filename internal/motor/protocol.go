package motor

import (
	"encoding/binary"
	"fmt"
)

// Opcode is the first byte of a write to the command characteristic
type Opcode byte

// Opcodes understood by the motor firmware
const (
	OpShutdown  Opcode = 0x00
	OpCalibrate Opcode = 0x01
	OpSpeed     Opcode = 0x02
	OpPosition  Opcode = 0x03
)

const (
	// CommandSize is opcode + int32 little-endian value
	CommandSize = 5
	// TelemetrySize is status + rpm (int32 LE) + angle (int32 LE)
	TelemetrySize = 9
)

func (o Opcode) String() string {
	switch o {
	case OpShutdown:
		return "shutdown"
	case OpCalibrate:
		return "calibrate"
	case OpSpeed:
		return "speed"
	case OpPosition:
		return "position"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(o))
	}
}

// Command is a decoded motor command
type Command struct {
	Op    Opcode
	Value int32
}

// EncodeCommand packs an opcode and value into the 5-byte command payload
func EncodeCommand(op Opcode, value int32) []byte {
	buf := make([]byte, CommandSize)
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:], uint32(value))
	return buf
}

// DecodeCommand parses a command payload. Trailing bytes are ignored, as the firmware does.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) < CommandSize {
		return Command{}, fmt.Errorf("command payload too short: %d bytes (need %d)", len(data), CommandSize)
	}
	return Command{
		Op:    Opcode(data[0]),
		Value: int32(binary.LittleEndian.Uint32(data[1:5])),
	}, nil
}

// SpeedCommand sets the target speed in rpm
func SpeedCommand(rpm int32) []byte {
	return EncodeCommand(OpSpeed, rpm)
}

// PositionCommand sets the target position in degrees
func PositionCommand(degrees int32) []byte {
	return EncodeCommand(OpPosition, degrees)
}

// CalibrateCommand re-initialises the motor
func CalibrateCommand() []byte {
	return EncodeCommand(OpCalibrate, 0)
}

// ShutdownCommand stops the motor
func ShutdownCommand() []byte {
	return EncodeCommand(OpShutdown, 0)
}

// HeartbeatPayload is the single-byte keep-alive counter
func HeartbeatPayload(counter uint8) []byte {
	return []byte{counter}
}

// NextHeartbeat advances the keep-alive counter, wrapping modulo 255
func NextHeartbeat(counter uint8) uint8 {
	return uint8((int(counter) + 1) % 255)
}
