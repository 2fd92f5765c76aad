package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)

	var order []string
	clk.AfterFunc(2*time.Minute, func() { order = append(order, "second") })
	clk.AfterFunc(1*time.Minute, func() { order = append(order, "first") })
	clk.AfterFunc(10*time.Minute, func() { order = append(order, "later") })

	clk.Advance(5 * time.Minute)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected fire order: %v", order)
	}
	if got := clk.Now(); !got.Equal(start.Add(5 * time.Minute)) {
		t.Fatalf("now = %s, want %s", got, start.Add(5*time.Minute))
	}
	if clk.PendingTimers() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.PendingTimers())
	}
}

func TestFakeClockStopPreventsFire(t *testing.T) {
	clk := NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	fired := false
	timer := clk.AfterFunc(time.Minute, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("first stop should report true")
	}
	if timer.Stop() {
		t.Fatal("second stop should report false")
	}

	clk.Advance(2 * time.Minute)
	if fired {
		t.Fatal("stopped timer must not fire")
	}
}

func TestFakeClockCallbackMaySchedule(t *testing.T) {
	clk := NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	var chained bool
	clk.AfterFunc(time.Minute, func() {
		clk.AfterFunc(time.Minute, func() { chained = true })
	})

	clk.Advance(3 * time.Minute)
	if !chained {
		t.Fatal("timer scheduled inside a callback must fire within the same advance")
	}
}
