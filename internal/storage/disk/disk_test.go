package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/omutex/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDiskRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := storage.Record{Owner: "host-1", ExpiresAtUnix: 4200}

	etag, err := s.Create(ctx, "jobs/nightly", rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if etag == "" {
		t.Fatal("Create returned empty etag")
	}
	if _, err := s.Create(ctx, "jobs/nightly", rec); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate Create error = %v, want ErrAlreadyExists", err)
	}

	got, gotETag, err := s.Load(ctx, "jobs/nightly")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != rec {
		t.Fatalf("Load record = %+v, want %+v", got, rec)
	}
	if gotETag != etag {
		t.Fatalf("Load etag = %q, want %q", gotETag, etag)
	}

	updated := storage.Record{Owner: "host-1", ExpiresAtUnix: 4260}
	newETag, err := s.Update(ctx, "jobs/nightly", updated, etag)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newETag == etag {
		t.Fatal("Update did not rotate etag")
	}
	if _, err := s.Update(ctx, "jobs/nightly", updated, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale Update error = %v, want ErrCASMismatch", err)
	}

	if err := s.Delete(ctx, "jobs/nightly", etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale Delete error = %v, want ErrCASMismatch", err)
	}
	if err := s.Delete(ctx, "jobs/nightly", newETag); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Load(ctx, "jobs/nightly"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Load after Delete error = %v, want ErrNotFound", err)
	}
}

func TestDiskUpdateMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), "absent", storage.Record{Owner: "x"}, "etag")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Update error = %v, want ErrNotFound", err)
	}
}

func TestDiskUnconditionalDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "k", storage.Record{Owner: "o", ExpiresAtUnix: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "k", ""); err != nil {
		t.Fatalf("unconditional Delete: %v", err)
	}
	if err := s.Delete(ctx, "k", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestDiskRejectsTraversalKeys(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(context.Background(), "../escape", storage.Record{}); err == nil {
		t.Fatal("Create with traversal key succeeded, want error")
	}
}

func TestDiskSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	etag, err := s.Create(ctx, "persist", storage.Record{Owner: "o", ExpiresAtUnix: 7})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	rec, gotETag, err := reopened.Load(ctx, "persist")
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if rec.Owner != "o" || gotETag != etag {
		t.Fatalf("reopened record = %+v etag %q, want owner o etag %q", rec, gotETag, etag)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			found = true
		}
	}
	if !found {
		t.Fatal("no record file on disk")
	}
}
