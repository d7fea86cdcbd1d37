package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/omutex/internal/clock"
)

func waitPending(t *testing.T, clk *clock.Manual, n int) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if clk.Pending() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("clock never reached %d pending timers", n)
}

func TestRunExhaustsFailureBudget(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	calls := 0
	done := make(chan Status, 1)
	go func() {
		done <- Run(context.Background(), clk, Config{
			Interval:    time.Second,
			MaxFailures: 3,
			Work: func(context.Context) bool {
				calls++
				return false
			},
		})
	}()

	for i := 0; i < 3; i++ {
		waitPending(t, clk, 1)
		clk.Advance(time.Second)
	}
	select {
	case status := <-done:
		if status != Exhausted {
			t.Fatalf("status = %v, want Exhausted", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after failure budget")
	}
	if calls != 3 {
		t.Fatalf("work calls = %d, want 3", calls)
	}
}

func TestRunSuccessResetsFailures(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	outcomes := []bool{false, true, false, true, false, false}
	call := 0
	done := make(chan Status, 1)
	go func() {
		done <- Run(context.Background(), clk, Config{
			Interval:    time.Second,
			MaxFailures: 2,
			Work: func(context.Context) bool {
				out := outcomes[call]
				call++
				return out
			},
		})
	}()

	for i := 0; i < len(outcomes); i++ {
		waitPending(t, clk, 1)
		clk.Advance(time.Second)
	}
	select {
	case status := <-done:
		if status != Exhausted {
			t.Fatalf("status = %v, want Exhausted", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if call != len(outcomes) {
		t.Fatalf("work calls = %d, want %d", call, len(outcomes))
	}
}

func TestRunCancelledPredicateStopsBeforeWork(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var stop atomic.Bool
	var calls atomic.Int32
	done := make(chan Status, 1)
	go func() {
		done <- Run(context.Background(), clk, Config{
			Interval:    time.Second,
			MaxFailures: 1,
			Cancelled:   stop.Load,
			Work: func(context.Context) bool {
				calls.Add(1)
				return true
			},
		})
	}()

	waitPending(t, clk, 1)
	stop.Store(true)
	clk.Advance(time.Second)
	select {
	case status := <-done:
		if status != Cancelled {
			t.Fatalf("status = %v, want Cancelled", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("work calls = %d, want 0", got)
	}
}

func TestRunNotifiesBeforeEachWait(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var waits []time.Duration
	notified := make(chan struct{}, 8)
	done := make(chan Status, 1)
	go func() {
		done <- Run(context.Background(), clk, Config{
			Interval:    time.Second,
			MaxFailures: 2,
			Notify: func(wait time.Duration) {
				waits = append(waits, wait)
				notified <- struct{}{}
			},
			Work: func(context.Context) bool {
				return false
			},
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-notified:
		case <-time.After(2 * time.Second):
			t.Fatalf("no notification before wait %d", i)
		}
		waitPending(t, clk, 1)
		clk.Advance(time.Second)
	}
	select {
	case status := <-done:
		if status != Exhausted {
			t.Fatalf("status = %v, want Exhausted", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if len(waits) != 2 {
		t.Fatalf("notifications = %d, want 2", len(waits))
	}
	for i, wait := range waits {
		if wait != time.Second {
			t.Fatalf("wait[%d] = %v, want 1s", i, wait)
		}
	}
}

func TestRunWakeShortCircuitsInterval(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	wake := make(chan struct{}, 1)
	worked := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Status, 1)
	go func() {
		done <- Run(ctx, clk, Config{
			Interval:    time.Hour,
			MaxFailures: 1,
			Wake:        wake,
			Work: func(context.Context) bool {
				worked <- struct{}{}
				return true
			},
		})
	}()

	wake <- struct{}{}
	select {
	case <-worked:
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger work")
	}
	cancel()
	select {
	case status := <-done:
		if status != Cancelled {
			t.Fatalf("status = %v, want Cancelled", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
