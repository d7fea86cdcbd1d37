package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresTimers(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	ch := clk.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired before advance")
	default:
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", clk.Pending())
	}
	clk.Advance(5 * time.Second)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatalf("timer did not fire after advance")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualAfterZeroFiresImmediately(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatalf("zero-duration timer should fire immediately")
	}
}
