package omutex

import "errors"

var (
	// ErrAlreadyLocked is returned by TryLock when another process holds
	// the lock.
	ErrAlreadyLocked = errors.New("omutex: already locked")
	// ErrNotLocked is returned by Unlock when this mutex does not hold
	// the lock.
	ErrNotLocked = errors.New("omutex: not locked")
	// ErrAcquireTimeout is returned when the acquire deadline elapses
	// before the lock is obtained.
	ErrAcquireTimeout = errors.New("omutex: acquire timeout")
	// ErrUnhealthy is returned by CheckHealth when the background
	// refresher has stopped while the lock was believed held.
	ErrUnhealthy = errors.New("omutex: lease refresher stopped")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("omutex: invalid config")
)
