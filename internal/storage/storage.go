// Package storage defines the narrow record-store contract the mutex is
// built on: create-if-absent, read, and ETag-conditional update/delete of a
// single small record. Any object store with equivalent optimistic
// concurrency primitives can back it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ContentTypeJSON is the content type used for lock records on blob backends.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates the lock record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates a create-if-absent write lost to an
	// existing record.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrCASMismatch indicates a conditional update or delete observed a
	// different ETag than expected.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// Record is the lease payload persisted for a held lock.
type Record struct {
	Owner         string `json:"owner"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

// Expired reports whether the lease expiry has passed at now.
func (r Record) Expired(now time.Time) bool {
	return now.Unix() > r.ExpiresAtUnix
}

// Store is the record-store contract expected by the mutex. Every mutation
// is keyed on an opaque ETag so concurrent writers race safely.
type Store interface {
	// Create writes the record iff key does not exist and returns the new
	// ETag. Returns ErrAlreadyExists when a record is present.
	Create(ctx context.Context, key string, rec Record) (string, error)
	// Load returns the current record and its ETag, or ErrNotFound.
	Load(ctx context.Context, key string) (Record, string, error)
	// Update replaces the record iff the stored ETag equals expectedETag
	// and returns the new ETag. Returns ErrCASMismatch or ErrNotFound.
	Update(ctx context.Context, key string, rec Record, expectedETag string) (string, error)
	// Delete removes the record iff the stored ETag equals expectedETag.
	// An empty expectedETag deletes unconditionally. Returns
	// ErrCASMismatch or ErrNotFound.
	Delete(ctx context.Context, key string, expectedETag string) error
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
