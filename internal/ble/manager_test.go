package ble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motorlink/internal/motor"
)

var testDeviceID = []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

func testSettings() Settings {
	s := DefaultSettings()
	s.SettleDelay = 0
	s.RetryInterval = 20 * time.Millisecond
	s.ReconnectTimeout = 5 * time.Second
	s.HeartbeatInterval = 50 * time.Millisecond
	s.AckTimeout = 100 * time.Millisecond
	return s
}

func newTestManager(t *testing.T, s Settings) (*Manager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	m := NewManager(ft, s)
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m, ft
}

func connectTo(t *testing.T, m *Manager, address string) {
	t.Helper()
	p := Peripheral{
		Address:       address,
		DeviceID:      testDeviceID,
		Advertisement: Advertisement{Name: "Motor"},
	}
	require.NoError(t, m.Connect(p))
	m.Handle(LinkChanged{Address: address, Name: "Motor", Connected: true})
	assert.Equal(t, Connecting("Motor"), m.State())

	m.Handle(ServicesDiscovered{Services: motorServices()})
	require.Equal(t, StateConnected, m.State().Kind)
}

func TestManagerConnectSequence(t *testing.T) {
	m, ft := newTestManager(t, testSettings())

	connectTo(t, m, "11:22:33:44:55:66")

	calls := ft.callLog()
	assert.Equal(t, []string{"connect:11:22:33:44:55:66", "discover", "notify"}, calls[:3])
	assert.Equal(t, testDeviceID, m.TargetDeviceID())

	require.Eventually(t, func() bool { return len(ft.writesTo(CharHeartbeat)) >= 2 }, time.Second, 10*time.Millisecond)
	beats := ft.writesTo(CharHeartbeat)
	assert.Equal(t, []byte{0}, beats[0].Payload)
	assert.Equal(t, []byte{1}, beats[1].Payload)
	assert.Equal(t, WithoutResponse, beats[0].Mode)
}

func TestManagerUnsolicitedDisconnectSchedulesOneReconnect(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	connectTo(t, m, "11:22:33:44:55:66")

	m.Handle(LinkChanged{Address: "11:22:33:44:55:66", Connected: false})
	assert.Equal(t, Disconnected(), m.State())

	require.Eventually(t, func() bool { return ft.reconnectScans() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, ft.reconnectScans())
	assert.True(t, m.Status().Reconnecting)
}

func TestManagerOperatorDisconnectSchedulesNoReconnect(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	connectTo(t, m, "11:22:33:44:55:66")

	m.Disconnect()
	assert.Equal(t, Disconnected(), m.State())

	// The transport confirms the link drop afterwards
	m.Handle(LinkChanged{Address: "11:22:33:44:55:66", Connected: false})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, ft.reconnectScans())
	assert.False(t, m.Status().Reconnecting)
}

func TestManagerNoReconnectWhenDisabled(t *testing.T) {
	s := testSettings()
	s.AutoReconnect = false
	m, ft := newTestManager(t, s)
	connectTo(t, m, "A")

	m.Handle(LinkChanged{Address: "A", Connected: false})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ft.reconnectScans())
}

func TestManagerNoReconnectWithoutDeviceID(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	require.NoError(t, m.Connect(Peripheral{Address: "A"}))
	m.Handle(LinkChanged{Address: "A", Connected: true})
	m.Handle(ServicesDiscovered{Services: motorServices()})

	m.Handle(LinkChanged{Address: "A", Connected: false})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ft.reconnectScans())
	assert.Nil(t, m.TargetDeviceID())
}

func TestManagerGATTErrorDisconnects(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	connectTo(t, m, "A")

	m.Handle(LinkChanged{Address: "A", Connected: true, Status: 133})

	assert.Equal(t, Disconnected(), m.State())
	require.Eventually(t, func() bool { return ft.reconnectScans() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManagerMissingServiceStaysConnecting(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	require.NoError(t, m.Connect(Peripheral{Address: "A", Advertisement: Advertisement{Name: "Other"}}))
	m.Handle(LinkChanged{Address: "A", Connected: true})

	m.Handle(ServicesDiscovered{Services: []Service{{UUID: CharTelemetry}}})

	assert.Equal(t, Connecting("Other"), m.State())
	assert.Equal(t, 0, ft.count("notify"))
	assert.ErrorIs(t, m.SetSpeed(100), ErrNotConnected)
}

func TestManagerTelemetryUpdatesState(t *testing.T) {
	m, _ := newTestManager(t, testSettings())

	var samples []motor.Telemetry
	m.SetTelemetryHandler(func(s motor.Telemetry) { samples = append(samples, s) })
	connectTo(t, m, "A")
	assert.Nil(t, m.State().Telemetry)

	m.Handle(Notified{Characteristic: CharTelemetry, Payload: motor.EncodeTelemetry(motor.Telemetry{Status: 2, RPM: 1500, Angle: -90})})

	st := m.State()
	require.NotNil(t, st.Telemetry)
	assert.Equal(t, int32(1500), st.Telemetry.RPM)
	assert.Equal(t, int32(-90), st.Telemetry.Angle)

	m.Handle(Notified{Characteristic: CharTelemetry, Payload: []byte{0x01, 0x02}})
	assert.Equal(t, int32(1500), m.State().Telemetry.RPM)
	assert.Len(t, samples, 1)
}

func TestManagerCommands(t *testing.T) {
	m, ft := newTestManager(t, testSettings())

	assert.ErrorIs(t, m.SetSpeed(1500), ErrNotConnected)

	connectTo(t, m, "A")
	require.NoError(t, m.SetSpeed(1500))

	require.Eventually(t, func() bool { return len(ft.writesTo(CharCommand)) == 1 }, time.Second, 5*time.Millisecond)
	cmd := ft.writesTo(CharCommand)[0]
	assert.Equal(t, motor.SpeedCommand(1500), cmd.Payload)
	assert.Equal(t, WithResponse, cmd.Mode)

	m.Handle(WriteCompleted{Characteristic: CharCommand, Status: StatusSuccess})
	require.NoError(t, m.Shutdown())
	require.Eventually(t, func() bool { return len(ft.writesTo(CharCommand)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, motor.ShutdownCommand(), ft.writesTo(CharCommand)[1].Payload)
}

func TestManagerScanLifecycle(t *testing.T) {
	m, ft := newTestManager(t, testSettings())

	var found []string
	m.SetPeripheralHandlers(func(p Peripheral) { found = append(found, p.Address) }, nil)

	m.Handle(motorSighting("ignored", -60, nil))
	assert.Empty(t, found)

	require.NoError(t, m.StartScan())
	assert.Equal(t, Scanning(), m.State())
	assert.ErrorIs(t, m.StartScan(), ErrAlreadyScanning)
	require.NotNil(t, ft.scans[0].Service)
	assert.Nil(t, ft.scans[0].Manufacturer)

	m.Handle(motorSighting("A", -60, testDeviceID))
	m.Handle(motorSighting("A", -55, testDeviceID))
	assert.Equal(t, []string{"A", "A"}, found)
	assert.Equal(t, 1, m.Registry().Len())

	require.NoError(t, m.StopScan())
	assert.Equal(t, Disconnected(), m.State())
	assert.ErrorIs(t, m.StopScan(), ErrNotScanning)
}

func TestManagerScanRequiresEnabledTransport(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	ft.mu.Lock()
	ft.enabled = false
	ft.mu.Unlock()

	assert.ErrorIs(t, m.StartScan(), ErrTransportDisabled)
	assert.Equal(t, Disconnected(), m.State())
}

func TestManagerScanFailureEndsScan(t *testing.T) {
	m, _ := newTestManager(t, testSettings())
	require.NoError(t, m.StartScan())

	m.Handle(ScanFailed{Err: assert.AnError})

	assert.Equal(t, Disconnected(), m.State())
	assert.False(t, m.Status().Scanning)
}

func TestManagerConnectStopsScan(t *testing.T) {
	m, ft := newTestManager(t, testSettings())
	require.NoError(t, m.StartScan())

	require.NoError(t, m.Connect(Peripheral{Address: "A"}))

	assert.Equal(t, []string{"scan", "stop", "connect:A"}, ft.callLog())
	assert.False(t, m.Status().Scanning)
}

func TestManagerDisconnectClearsQueue(t *testing.T) {
	s := testSettings()
	s.AckTimeout = 5 * time.Second
	m, ft := newTestManager(t, s)
	connectTo(t, m, "A")

	require.NoError(t, m.SetSpeed(1))
	require.Eventually(t, func() bool { return len(ft.writesTo(CharCommand)) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.SetSpeed(2))
	require.NoError(t, m.SetSpeed(3))

	m.Disconnect()
	assert.Equal(t, 0, m.Status().PendingWrites)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ft.writesTo(CharCommand), 1)
}

func TestManagerSubscribe(t *testing.T) {
	m, _ := newTestManager(t, testSettings())
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.Equal(t, Disconnected(), <-ch)

	require.NoError(t, m.StartScan())
	select {
	case st := <-ch:
		assert.Equal(t, Scanning(), st)
	case <-time.After(time.Second):
		t.Fatal("Expected scanning state")
	}
}

func TestManagerApplyConfig(t *testing.T) {
	m, _ := newTestManager(t, testSettings())

	s := testSettings()
	s.DeviceID = testDeviceID
	s.AutoReconnect = false
	m.ApplyConfig(s)

	assert.Equal(t, testDeviceID, m.TargetDeviceID())
	assert.False(t, m.Settings().AutoReconnect)
}

func TestManagerLinkUpAfterDisconnectIsClosed(t *testing.T) {
	m, ft := newTestManager(t, testSettings())

	require.NoError(t, m.Connect(Peripheral{Address: "A", DeviceID: testDeviceID}))
	m.Disconnect()
	require.Equal(t, 1, ft.count("disconnect"))

	m.Handle(LinkChanged{Address: "A", Name: "Motor", Connected: true})
	m.Handle(ServicesDiscovered{Services: motorServices()})

	assert.Equal(t, Disconnected(), m.State())
	assert.Equal(t, 2, ft.count("disconnect"))
	assert.Equal(t, 0, ft.count("discover"))
	assert.ErrorIs(t, m.SetSpeed(1), ErrNotConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, ft.writesTo(CharHeartbeat))
}

func TestManagerSessionEventsStayOrdered(t *testing.T) {
	m, _ := newTestManager(t, testSettings())

	var mu sync.Mutex
	var got []bool
	m.SetSessionHandler(func(ev SessionEvent) {
		if ev.Connected {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		got = append(got, ev.Connected)
		mu.Unlock()
	})

	connectTo(t, m, "A")
	m.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, got)
}
