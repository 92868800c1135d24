package stats

import (
	"testing"
	"time"

	"motorlink/internal/motor"
)

func TestCollectorWrapsOldestFirst(t *testing.T) {
	c := NewCollector(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		c.RecordAt(base.Add(time.Duration(i)*time.Second), motor.Telemetry{RPM: int32(i)})
	}

	h := c.History()
	if len(h) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(h))
	}
	for i, want := range []int32{2, 3, 4} {
		if h[i].RPM != want {
			t.Errorf("Expected point %d to have rpm %d, got %d", i, want, h[i].RPM)
		}
	}

	latest, ok := c.Latest()
	if !ok || latest.RPM != 4 {
		t.Errorf("Expected latest rpm 4, got %d (ok=%v)", latest.RPM, ok)
	}
}

func TestCollectorEmpty(t *testing.T) {
	c := NewCollector(0)
	if _, ok := c.Latest(); ok {
		t.Error("Expected no latest point on empty collector")
	}
	if len(c.History()) != 0 {
		t.Error("Expected empty history")
	}

	c.Record(motor.Telemetry{RPM: 1})
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Expected empty after clear, got %d", c.Len())
	}
}

func TestEventLogRecent(t *testing.T) {
	l := NewEventLog(4)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		l.Add("command", m)
	}

	recent := l.GetRecent(2)
	if len(recent) != 2 || recent[0].Message != "d" || recent[1].Message != "e" {
		t.Errorf("Expected [d e], got %+v", recent)
	}
	if all := l.GetAll(); len(all) != 4 || all[0].Message != "b" {
		t.Errorf("Expected 4 entries starting at b, got %+v", all)
	}
}
