package stats

import (
	"sync"
	"time"

	"motorlink/internal/motor"
)

const (
	DefaultHistorySize = 600 // one minute of 10 Hz telemetry
	DefaultEventSize   = 200
)

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Status    uint8     `json:"status"`
	RPM       int32     `json:"rpm"`
	Angle     int32     `json:"angle"`
}

// Collector keeps the most recent telemetry samples for charting
type Collector struct {
	mu      sync.RWMutex
	history []DataPoint
	size    int
	pos     int
	full    bool
}

func NewCollector(size int) *Collector {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Collector{
		history: make([]DataPoint, size),
		size:    size,
	}
}

func (c *Collector) Record(t motor.Telemetry) {
	c.RecordAt(time.Now(), t)
}

func (c *Collector) RecordAt(ts time.Time, t motor.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history[c.pos] = DataPoint{
		Timestamp: ts,
		Status:    t.Status,
		RPM:       t.RPM,
		Angle:     t.Angle,
	}

	c.pos = (c.pos + 1) % c.size
	if c.pos == 0 {
		c.full = true
	}
}

// History returns samples oldest first
func (c *Collector) History() []DataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []DataPoint
	if c.full {
		result = make([]DataPoint, c.size)
		copy(result, c.history[c.pos:])
		copy(result[c.size-c.pos:], c.history[:c.pos])
	} else {
		result = make([]DataPoint, c.pos)
		copy(result, c.history[:c.pos])
	}
	return result
}

func (c *Collector) Latest() (DataPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.full && c.pos == 0 {
		return DataPoint{}, false
	}

	idx := c.pos - 1
	if idx < 0 {
		idx = c.size - 1
	}
	return c.history[idx], true
}

func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.full {
		return c.size
	}
	return c.pos
}

func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = make([]DataPoint, c.size)
	c.pos = 0
	c.full = false
}

// EventLog is a bounded ring of notable link events (commands, reconnects, drops)
type EventLog struct {
	mu      sync.RWMutex
	entries []Event
	pos     int
	size    int
	full    bool
}

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventSize
	}
	return &EventLog{
		entries: make([]Event, size),
		size:    size,
	}
}

func (b *EventLog) Add(source, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.pos] = Event{
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
	}

	b.pos = (b.pos + 1) % b.size
	if b.pos == 0 {
		b.full = true
	}
}

func (b *EventLog) GetAll() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	if b.full {
		result = make([]Event, b.size)
		copy(result, b.entries[b.pos:])
		copy(result[b.size-b.pos:], b.entries[:b.pos])
	} else {
		result = make([]Event, b.pos)
		copy(result, b.entries[:b.pos])
	}
	return result
}

func (b *EventLog) GetRecent(n int) []Event {
	all := b.GetAll()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}
