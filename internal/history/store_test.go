package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motorlink/internal/ble"
	"motorlink/internal/motor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	return store
}

func TestStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	start := time.Now().UTC().Truncate(time.Millisecond)

	id, err := store.StartSession(ctx, "11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF", "Motor", start)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	samples := []Sample{
		{SessionID: id, RecordedAt: start.Add(100 * time.Millisecond), Telemetry: motor.Telemetry{Status: 2, RPM: 100, Angle: 10}},
		{SessionID: id, RecordedAt: start.Add(200 * time.Millisecond), Telemetry: motor.Telemetry{Status: 2, RPM: 200, Angle: -20}},
		{SessionID: id, RecordedAt: start.Add(300 * time.Millisecond), Telemetry: motor.Telemetry{Status: 0x12, RPM: 300, Angle: 30}},
	}
	require.NoError(t, store.RecordSamples(ctx, samples))
	require.NoError(t, store.EndSession(ctx, id, start.Add(time.Second)))
	require.NoError(t, store.EndSession(ctx, id, start.Add(2*time.Second)))

	sessions, err := store.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", sessions[0].DeviceID)
	assert.Equal(t, 3, sessions[0].Samples)
	require.NotNil(t, sessions[0].EndedAt)
	assert.True(t, sessions[0].EndedAt.Equal(start.Add(time.Second)))

	got, err := store.Samples(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int32(200), got[0].RPM)
	assert.Equal(t, int32(-20), got[0].Angle)
	assert.Equal(t, uint8(0x12), got[1].Status)
}

func TestStoreEndUnknownSession(t *testing.T) {
	store := openTestStore(t)
	err := store.EndSession(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePrune(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)

	oldID, err := store.StartSession(ctx, "A", "", "", old)
	require.NoError(t, err)
	require.NoError(t, store.RecordSamples(ctx, []Sample{{SessionID: oldID, RecordedAt: old}}))
	require.NoError(t, store.EndSession(ctx, oldID, old.Add(time.Minute)))
	require.NoError(t, store.RecordEvent(ctx, oldID, "reconnect", "timeout", old))

	_, err = store.StartSession(ctx, "B", "", "", time.Now())
	require.NoError(t, err)

	n, err := store.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sessions, err := store.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "B", sessions[0].Address)

	samples, err := store.Samples(ctx, oldID, 10)
	require.NoError(t, err)
	assert.Empty(t, samples)

	events, err := store.Events(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStoreReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = store.StartSession(ctx, "A", "", "Motor", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	sessions, err := store.Sessions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRecorderWritesSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := openTestStore(t)
	rec := NewRecorder(store, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.OnTelemetry(motor.Telemetry{RPM: 1})
	rec.OnSession(ble.SessionEvent{Connected: true, Address: "A", Name: "Motor", DeviceID: []byte{1, 2, 3, 4, 5, 6}, At: time.Now()})
	id := rec.Session()
	require.NotEmpty(t, id)

	for i := 0; i < 5; i++ {
		rec.OnTelemetry(motor.Telemetry{Status: 2, RPM: int32(i)})
	}
	rec.OnEvent("command", "speed 1500 acknowledged")

	require.Eventually(t, func() bool {
		samples, err := store.Samples(context.Background(), id, 10)
		return err == nil && len(samples) == 5
	}, time.Second, 10*time.Millisecond)

	rec.OnSession(ble.SessionEvent{Connected: false, Address: "A", At: time.Now()})
	assert.Empty(t, rec.Session())

	cancel()
	<-done

	sessions, err := store.Sessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "01:02:03:04:05:06", sessions[0].DeviceID)
	assert.NotNil(t, sessions[0].EndedAt)

	events, err := store.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].SessionID)
}
