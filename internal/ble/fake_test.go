package ble

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// fakeTransport records every request. Tests drive events through Manager.Handle.
type fakeTransport struct {
	mu       sync.Mutex
	enabled  bool
	handler  func(Event)
	calls    []string
	scans    []ScanFilter
	writes   []Operation
	writeErr error
	scanErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{enabled: true}
}

func (f *fakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) SetEventHandler(handler func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTransport) StartScan(filter ScanFilter, mode ScanMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return f.scanErr
	}
	f.record("scan")
	f.scans = append(f.scans, filter)
	return nil
}

func (f *fakeTransport) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	return nil
}

func (f *fakeTransport) Connect(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect:" + address)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect")
	return nil
}

func (f *fakeTransport) DiscoverServices() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("discover")
	return nil
}

func (f *fakeTransport) EnableNotifications(char bluetooth.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("notify")
	return nil
}

func (f *fakeTransport) WriteCharacteristic(char bluetooth.UUID, payload []byte, mode WriteMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.record(fmt.Sprintf("write:%x", payload))
	f.writes = append(f.writes, Operation{Characteristic: char, Payload: append([]byte(nil), payload...), Mode: mode})
	return nil
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) count(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

// reconnectScans counts scans carrying a manufacturer filter
func (f *fakeTransport) reconnectScans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.scans {
		if s.Manufacturer != nil {
			n++
		}
	}
	return n
}

func (f *fakeTransport) writesTo(char bluetooth.UUID) []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Operation
	for _, w := range f.writes {
		if w.Characteristic == char {
			out = append(out, w)
		}
	}
	return out
}

// recordingWriter captures writes made by a bare Scheduler
type recordingWriter struct {
	mu      sync.Mutex
	ops     []Operation
	err     error
	written chan Operation
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{written: make(chan Operation, 64)}
}

func (w *recordingWriter) WriteCharacteristic(char bluetooth.UUID, payload []byte, mode WriteMode) error {
	w.mu.Lock()
	err := w.err
	op := Operation{Characteristic: char, Payload: append([]byte(nil), payload...), Mode: mode}
	if err == nil {
		w.ops = append(w.ops, op)
	}
	w.mu.Unlock()

	if err != nil {
		return err
	}
	w.written <- op
	return nil
}

func (w *recordingWriter) payloads() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.ops))
	for i, op := range w.ops {
		out[i] = op.Payload
	}
	return out
}

func motorServices() []Service {
	return []Service{{
		UUID:            ServiceMotor,
		Characteristics: []bluetooth.UUID{CharCommand, CharTelemetry, CharHeartbeat},
	}}
}
