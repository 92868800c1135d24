package ble

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyScanning   = errors.New("scan already in progress")
	ErrNotScanning       = errors.New("no scan in progress")
	ErrTransportDisabled = errors.New("bluetooth transport is disabled")
	ErrNotConnected      = errors.New("not connected to a motor controller")
	ErrNoTransport       = errors.New("no transport or characteristic binding")
	ErrWriteRejected     = errors.New("write rejected by transport")
	ErrAckTimeout        = errors.New("write acknowledgement timed out")
	ErrCleared           = errors.New("command discarded by queue clear")
	ErrInvalidDeviceID   = errors.New("device id must be 6 bytes")
)

// GATTError is a non-success status reported by the transport
type GATTError struct {
	Status int
}

func (e *GATTError) Error() string {
	return fmt.Sprintf("gatt status %d", e.Status)
}
