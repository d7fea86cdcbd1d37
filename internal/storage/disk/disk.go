// Package disk implements storage.Store on a local filesystem. Each lock
// record lives in its own JSON file carrying its ETag; mutations take an
// advisory file lock so multiple processes sharing the directory race
// safely. Suitable for single-host coordination and tests, not for network
// filesystems without POSIX lock support.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pkt.systems/omutex/internal/storage"
)

// Config controls the disk store behaviour.
type Config struct {
	// Root is the directory holding record files. Created if missing.
	Root string
	// FileMode applies to created record files. Defaults to 0o600.
	FileMode os.FileMode
}

// Store implements storage.Store on a local directory.
type Store struct {
	root string
	mode os.FileMode

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type diskRecord struct {
	ETag          string `json:"etag"`
	Owner         string `json:"owner"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

// New constructs a Store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	mode := cfg.FileMode
	if mode == 0 {
		mode = 0o600
	}
	return &Store{root: root, mode: mode, locks: make(map[string]*sync.Mutex)}, nil
}

// Close satisfies storage.Store and requires no action for the disk store.
func (s *Store) Close() error { return nil }

func (s *Store) path(key string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(key, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("disk: invalid key %q", key)
	}
	return filepath.Join(s.root, cleaned+".json"), nil
}

func (s *Store) keyMutex(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// withFileLock serializes mutations of key across goroutines and processes.
func (s *Store) withFileLock(key string, fn func(path string) error) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	mu := s.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("disk: create key directory: %w", err)
	}
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, s.mode)
	if err != nil {
		return fmt.Errorf("disk: open lockfile: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("disk: lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = unlockFile(f)
	}()
	return fn(path)
}

func readRecord(path string) (diskRecord, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return diskRecord{}, storage.ErrNotFound
		}
		return diskRecord{}, fmt.Errorf("disk: read record: %w", err)
	}
	var rec diskRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return diskRecord{}, fmt.Errorf("disk: decode record: %w", err)
	}
	return rec, nil
}

func (s *Store) writeRecordAtomic(path string, rec diskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("disk: encode record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".omutex-*")
	if err != nil {
		return fmt.Errorf("disk: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, s.mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: rename temp: %w", err)
	}
	return nil
}

// Create writes the record iff no record file exists for key.
func (s *Store) Create(_ context.Context, key string, rec storage.Record) (string, error) {
	etag := uuid.NewString()
	err := s.withFileLock(key, func(path string) error {
		if _, err := readRecord(path); err == nil {
			return storage.ErrAlreadyExists
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return s.writeRecordAtomic(path, diskRecord{
			ETag:          etag,
			Owner:         rec.Owner,
			ExpiresAtUnix: rec.ExpiresAtUnix,
		})
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

// Load reads the record file for key.
func (s *Store) Load(_ context.Context, key string) (storage.Record, string, error) {
	path, err := s.path(key)
	if err != nil {
		return storage.Record{}, "", err
	}
	rec, err := readRecord(path)
	if err != nil {
		return storage.Record{}, "", err
	}
	return storage.Record{Owner: rec.Owner, ExpiresAtUnix: rec.ExpiresAtUnix}, rec.ETag, nil
}

// Update replaces the record file when the stored ETag matches expectedETag.
func (s *Store) Update(_ context.Context, key string, rec storage.Record, expectedETag string) (string, error) {
	etag := uuid.NewString()
	err := s.withFileLock(key, func(path string) error {
		current, err := readRecord(path)
		if err != nil {
			return err
		}
		if current.ETag != expectedETag {
			return storage.ErrCASMismatch
		}
		return s.writeRecordAtomic(path, diskRecord{
			ETag:          etag,
			Owner:         rec.Owner,
			ExpiresAtUnix: rec.ExpiresAtUnix,
		})
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

// Delete removes the record file, honouring expectedETag when supplied.
func (s *Store) Delete(_ context.Context, key string, expectedETag string) error {
	return s.withFileLock(key, func(path string) error {
		current, err := readRecord(path)
		if err != nil {
			return err
		}
		if expectedETag != "" && current.ETag != expectedETag {
			return storage.ErrCASMismatch
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("disk: remove record: %w", err)
		}
		return nil
	})
}

var _ storage.Store = (*Store)(nil)
