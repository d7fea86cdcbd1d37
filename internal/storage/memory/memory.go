// Package memory implements storage.Store in process memory; intended for
// tests and local development.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"pkt.systems/omutex/internal/storage"
)

// Store keeps lock records in a mutex-guarded map.
type Store struct {
	mu   sync.Mutex
	recs map[string]entry
}

type entry struct {
	rec  storage.Record
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{recs: make(map[string]entry)}
}

// Create writes the record iff key is absent.
func (s *Store) Create(_ context.Context, key string, rec storage.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[key]; exists {
		return "", storage.ErrAlreadyExists
	}
	etag := uuid.NewString()
	s.recs[key] = entry{rec: rec, etag: etag}
	return etag, nil
}

// Load returns the record stored for key with its ETag.
func (s *Store) Load(_ context.Context, key string) (storage.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.recs[key]
	if !ok {
		return storage.Record{}, "", storage.ErrNotFound
	}
	return e.rec, e.etag, nil
}

// Update replaces the record for key, enforcing CAS on expectedETag.
func (s *Store) Update(_ context.Context, key string, rec storage.Record, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.recs[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	if e.etag != expectedETag {
		return "", storage.ErrCASMismatch
	}
	etag := uuid.NewString()
	s.recs[key] = entry{rec: rec, etag: etag}
	return etag, nil
}

// Delete removes the record for key, enforcing CAS when expectedETag is set.
func (s *Store) Delete(_ context.Context, key string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.recs[key]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && e.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.recs, key)
	return nil
}

// Close satisfies storage.Store and requires no action for the in-memory store.
func (s *Store) Close() error { return nil }
