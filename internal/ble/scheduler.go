package ble

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"motorlink/internal/logger"
)

// Priority orders pending writes. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1   // operator commands: speed, position, calibrate
	PriorityHigh     Priority = 50  // heartbeat keep-alive
	PriorityCritical Priority = 100 // shutdown
)

// Operation is one queued characteristic write
type Operation struct {
	Characteristic bluetooth.UUID
	Payload        []byte
	Mode           WriteMode
	Priority       Priority

	seq uint64
	gen uint64 // scheduler generation when popped
}

// Equal compares characteristic and payload only
func (o Operation) Equal(other Operation) bool {
	return o.Characteristic == other.Characteristic && bytes.Equal(o.Payload, other.Payload)
}

type opQueue []Operation

func (q opQueue) Len() int { return len(q) }

func (q opQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q opQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *opQueue) Push(x interface{}) { *q = append(*q, x.(Operation)) }

func (q *opQueue) Pop() interface{} {
	old := *q
	n := len(old)
	op := old[n-1]
	*q = old[:n-1]
	return op
}

// inflight is the completion token for the one write awaiting acknowledgement
type inflight struct {
	op   Operation
	done chan struct{}
	err  error
}

// Scheduler serializes writes onto a transport that allows one outstanding GATT operation
type Scheduler struct {
	mu         sync.Mutex
	queue      opQueue
	seq        uint64
	gen        uint64
	wake       chan struct{}
	pending    *inflight
	writer     func(char bluetooth.UUID) Writer
	ackTimeout time.Duration
	onResult   func(Operation, error)

	cancel  context.CancelFunc
	stopped chan struct{}
	log     logger.Tagged
}

// NewScheduler creates a scheduler. writer returns nil when no transport is
// bound for the characteristic; such writes are dropped.
func NewScheduler(writer func(char bluetooth.UUID) Writer, ackTimeout time.Duration) *Scheduler {
	return &Scheduler{
		wake:       make(chan struct{}, 1),
		writer:     writer,
		ackTimeout: ackTimeout,
		log:        logger.For("QUEUE"),
	}
}

// SetResultHandler installs a callback invoked once per dispatched or discarded operation.
// err is nil on success, or one of ErrNoTransport, ErrWriteRejected, ErrAckTimeout,
// ErrCleared, *GATTError.
func (s *Scheduler) SetResultHandler(fn func(Operation, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

func (s *Scheduler) SetAckTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackTimeout = d
}

// Start launches the dispatch loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		s.run(ctx)
	}()
}

// Stop ends the dispatch loop and discards pending work
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.Clear()
	<-stopped
}

// Enqueue adds a write. It never blocks and always succeeds.
func (s *Scheduler) Enqueue(char bluetooth.UUID, payload []byte, mode WriteMode, priority Priority) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.queue, Operation{
		Characteristic: char,
		Payload:        append([]byte(nil), payload...),
		Mode:           mode,
		Priority:       priority,
		seq:            s.seq,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Clear drops every pending write and releases a write awaiting acknowledgement
func (s *Scheduler) Clear() {
	s.mu.Lock()
	dropped := []Operation(s.queue)
	s.queue = nil
	s.gen++
	if s.pending != nil {
		s.pending.err = ErrCleared
		close(s.pending.done)
		s.pending = nil
	}
	onResult := s.onResult
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.log.Debug("Cleared %d pending writes", len(dropped))
	}
	if onResult != nil && len(dropped) > 0 {
		// Clear runs under callers' locks
		go func() {
			for _, op := range dropped {
				onResult(op, ErrCleared)
			}
		}()
	}
}

// WriteCompleted resolves the write awaiting acknowledgement on char
func (s *Scheduler) WriteCompleted(char bluetooth.UUID, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.op.Characteristic != char {
		return
	}
	if status != StatusSuccess {
		s.pending.err = &GATTError{Status: status}
	}
	close(s.pending.done)
	s.pending = nil
}

// Pending returns the number of queued writes
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		op, ok := s.next(ctx)
		if !ok {
			return
		}
		err := s.dispatch(ctx, op)
		s.report(op, err)
	}
}

func (s *Scheduler) next(ctx context.Context) (Operation, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			op := heap.Pop(&s.queue).(Operation)
			op.gen = s.gen
			s.mu.Unlock()
			return op, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Operation{}, false
		case <-s.wake:
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, op Operation) error {
	w := s.writer(op.Characteristic)
	if w == nil {
		s.log.Warn("No transport for %s, dropping write", op.Characteristic.String())
		return ErrNoTransport
	}

	var token *inflight
	var timeout time.Duration
	s.mu.Lock()
	if op.gen != s.gen {
		s.mu.Unlock()
		return ErrCleared
	}
	if op.Mode == WithResponse {
		// Registered before the write so an early acknowledgement is not lost
		token = &inflight{op: op, done: make(chan struct{})}
		s.pending = token
		timeout = s.ackTimeout
	}
	s.mu.Unlock()

	if err := w.WriteCharacteristic(op.Characteristic, op.Payload, op.Mode); err != nil {
		s.release(token)
		s.log.Error("Write to %s failed immediately: %v", op.Characteristic.String(), err)
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}

	if token == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.done:
		s.mu.Lock()
		err := token.err
		s.mu.Unlock()
		return err
	case <-timer.C:
		s.release(token)
		s.log.Warn("No acknowledgement for %s within %s, continuing", op.Characteristic.String(), timeout)
		return ErrAckTimeout
	case <-ctx.Done():
		s.release(token)
		return ctx.Err()
	}
}

func (s *Scheduler) release(token *inflight) {
	if token == nil {
		return
	}
	s.mu.Lock()
	if s.pending == token {
		s.pending = nil
	}
	s.mu.Unlock()
}

func (s *Scheduler) report(op Operation, err error) {
	s.mu.Lock()
	onResult := s.onResult
	s.mu.Unlock()
	if onResult != nil {
		onResult(op, err)
	}
}
