// Package retry drives polling loops against eventually consistent stores.
// Callers supply an attempt function returning a Decision: Done stops with a
// value, Again retries immediately, Backoff retries after an exponentially
// growing delay. The loop respects context cancellation and an overall
// deadline measured on the injected clock.
package retry

import (
	"context"
	"errors"
	"time"

	"pkt.systems/omutex/internal/clock"
)

// ErrTimeout is returned when the overall deadline elapses before an attempt
// reports Done.
var ErrTimeout = errors.New("retry: deadline exceeded")

// Verdict classifies the outcome of a single attempt.
type Verdict int

const (
	// Done terminates the loop and returns the attempt's value.
	Done Verdict = iota
	// Again retries immediately without sleeping.
	Again
	// Backoff retries after the current delay and grows it.
	Backoff
)

// Decision is what an attempt function reports back to the loop.
type Decision struct {
	Verdict Verdict
	// Reason is logged by Notify hooks; short snake_case tags work well.
	Reason string
}

// Config controls loop timing.
type Config struct {
	// Timeout bounds the whole loop. Zero means no waiting: Again
	// verdicts still retry immediately but the first Backoff fails
	// with ErrTimeout. A negative value means no deadline.
	Timeout time.Duration
	// BaseDelay is the first Backoff sleep. Defaults to 50ms.
	BaseDelay time.Duration
	// MaxDelay caps the Backoff sleep. Defaults to 2s.
	MaxDelay time.Duration
	// Multiplier grows the delay after each Backoff. Must be >= 1 so
	// the delay never shrinks; anything below falls back to 2.0.
	Multiplier float64
	// Notify, when set, is called before every sleep with the attempt
	// number, the decision's reason and the upcoming delay (zero for
	// Again verdicts).
	Notify func(attempt int, reason string, delay time.Duration)
}

func (c *Config) normalize() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
}

// Run executes fn until it reports Done, the context is cancelled, or the
// configured timeout elapses. A fn error terminates the loop immediately;
// retryable store failures should be expressed as Backoff decisions, not
// errors.
func Run[T any](ctx context.Context, clk clock.Clock, cfg Config, fn func(ctx context.Context) (T, Decision, error)) (T, error) {
	var zero T
	cfg.normalize()
	if clk == nil {
		clk = clock.Real{}
	}

	var deadline <-chan time.Time
	switch {
	case cfg.Timeout > 0:
		deadline = clk.After(cfg.Timeout)
	case cfg.Timeout == 0:
		for attempt := 1; ; attempt++ {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			v, d, err := fn(ctx)
			if err != nil {
				return zero, err
			}
			switch d.Verdict {
			case Done:
				return v, nil
			case Again:
				if cfg.Notify != nil {
					cfg.Notify(attempt, d.Reason, 0)
				}
			default:
				return zero, ErrTimeout
			}
		}
	}

	delay := cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, d, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		switch d.Verdict {
		case Done:
			return v, nil
		case Again:
			if cfg.Notify != nil {
				cfg.Notify(attempt, d.Reason, 0)
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-deadline:
				return zero, ErrTimeout
			default:
			}
		case Backoff:
			if cfg.Notify != nil {
				cfg.Notify(attempt, d.Reason, delay)
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-deadline:
				return zero, ErrTimeout
			case <-clk.After(delay):
			}
			next := time.Duration(float64(delay) * cfg.Multiplier)
			if next > cfg.MaxDelay {
				next = cfg.MaxDelay
			}
			delay = next
		}
	}
}
