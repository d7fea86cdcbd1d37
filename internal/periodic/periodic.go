// Package periodic runs a recurring task on a fixed interval until it is
// cancelled or a consecutive-failure budget is exhausted. The lease
// refresher is its only in-tree consumer but nothing here is lease
// specific.
package periodic

import (
	"context"
	"time"

	"pkt.systems/omutex/internal/clock"
)

// Status reports why Run returned.
type Status int

const (
	// Cancelled means the context ended or the Cancelled predicate
	// reported true.
	Cancelled Status = iota
	// Exhausted means MaxFailures consecutive work failures occurred.
	Exhausted
)

// Config controls the loop.
type Config struct {
	// Interval between work invocations. Required.
	Interval time.Duration
	// MaxFailures is the consecutive-failure budget. A successful run
	// resets the count. Values below 1 are treated as 1.
	MaxFailures int
	// Cancelled is polled before and after every wait; returning true
	// stops the loop. May be nil.
	Cancelled func() bool
	// Wake, when non-nil, short-circuits the interval wait so the next
	// work invocation happens immediately.
	Wake <-chan struct{}
	// Notify, when set, is called before every interval wait with the
	// upcoming wait duration.
	Notify func(wait time.Duration)
	// Work performs one iteration and reports success.
	Work func(ctx context.Context) bool
}

// Run drives cfg.Work every cfg.Interval. It returns Cancelled when ctx ends
// or cfg.Cancelled reports true, and Exhausted after cfg.MaxFailures
// consecutive failures.
func Run(ctx context.Context, clk clock.Clock, cfg Config) Status {
	if clk == nil {
		clk = clock.Real{}
	}
	maxFailures := cfg.MaxFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	cancelled := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return cfg.Cancelled != nil && cfg.Cancelled()
	}

	failures := 0
	for {
		if cfg.Notify != nil {
			cfg.Notify(cfg.Interval)
		}
		select {
		case <-ctx.Done():
			return Cancelled
		case <-cfg.Wake:
		case <-clk.After(cfg.Interval):
		}
		if cancelled() {
			return Cancelled
		}
		if cfg.Work(ctx) {
			failures = 0
			continue
		}
		failures++
		if failures >= maxFailures {
			return Exhausted
		}
	}
}
