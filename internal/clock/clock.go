// Package clock lets tests drive lease and backoff timing deterministically.
package clock

import "time"

// Clock is the time source for retry delays, refresh intervals and lease
// expiry stamps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real delegates to the wall clock.
type Real struct{}

// Now reports the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After waits for d on a real timer.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep pauses the calling goroutine for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
