package history

import (
	"context"
	"sync"
	"time"

	"motorlink/internal/ble"
	"motorlink/internal/logger"
	"motorlink/internal/motor"
)

// Recorder buffers telemetry from the connection manager and writes it to
// the store in batches, one session per Connected period.
type Recorder struct {
	store         *Store
	flushInterval time.Duration
	log           logger.Tagged

	mu      sync.Mutex
	session string
	pending []Sample
	flushCh chan struct{}
}

func NewRecorder(store *Store, flushInterval time.Duration) *Recorder {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Recorder{
		store:         store,
		flushInterval: flushInterval,
		log:           logger.For("HISTORY"),
		flushCh:       make(chan struct{}, 1),
	}
}

// Run flushes buffered samples until ctx is done, then flushes once more
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			r.endSession(context.Background(), time.Now())
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

// OnSession opens or closes a session row
func (r *Recorder) OnSession(ev ble.SessionEvent) {
	ctx := context.Background()
	if !ev.Connected {
		r.flush(ctx)
		r.endSession(ctx, ev.At)
		return
	}

	r.flush(ctx)
	r.endSession(ctx, ev.At)

	id, err := r.store.StartSession(ctx, ev.Address, ble.FormatDeviceID(ev.DeviceID), ev.Name, ev.At)
	if err != nil {
		r.log.Error("Failed to start session: %v", err)
		return
	}
	r.mu.Lock()
	r.session = id
	r.mu.Unlock()
	r.log.Info("Recording session %s for %s", id, ev.Address)
}

// OnTelemetry buffers one sample for the current session
func (r *Recorder) OnTelemetry(t motor.Telemetry) {
	r.mu.Lock()
	if r.session == "" {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, Sample{SessionID: r.session, RecordedAt: time.Now(), Telemetry: t})
	full := len(r.pending) >= 100
	r.mu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// OnEvent persists a notable link event against the current session
func (r *Recorder) OnEvent(source, message string) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	if err := r.store.RecordEvent(context.Background(), session, source, message, time.Now()); err != nil {
		r.log.Warn("Failed to record event: %v", err)
	}
}

// Session returns the id of the session being recorded, if any
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := r.store.RecordSamples(ctx, batch); err != nil {
		r.log.Error("Failed to write %d samples: %v", len(batch), err)
	}
}

func (r *Recorder) endSession(ctx context.Context, at time.Time) {
	r.mu.Lock()
	id := r.session
	r.session = ""
	r.mu.Unlock()

	if id == "" {
		return
	}
	if err := r.store.EndSession(ctx, id, at); err != nil {
		r.log.Warn("Failed to end session %s: %v", id, err)
	}
}
