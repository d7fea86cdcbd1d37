package omutex

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/omutex/internal/storage"
	"pkt.systems/omutex/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(backend Store) Config {
	return Config{
		Backend:         backend,
		Key:             "jobs/test",
		TTL:             2 * time.Second,
		RefreshInterval: 100 * time.Millisecond,
		MaxRefreshFails: 3,
		AcquireTimeout:  5 * time.Second,
		BackoffMin:      10 * time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
	}
}

func newTestMutex(t *testing.T, backend Store) *Mutex {
	t.Helper()
	m, err := New(testConfig(backend))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLockUnlock(t *testing.T) {
	store := memory.New()
	m := newTestMutex(t, store)
	ctx := context.Background()

	if m.Locked() {
		t.Fatal("new mutex reports locked")
	}
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !m.Locked() {
		t.Fatal("Locked() = false after Lock")
	}
	rec, _, err := store.Load(ctx, "jobs/test")
	if err != nil {
		t.Fatalf("record missing after Lock: %v", err)
	}
	if rec.Owner == "" {
		t.Fatal("record has empty owner")
	}

	deleted, err := m.Unlock(ctx)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !deleted {
		t.Fatal("Unlock did not delete the record")
	}
	if m.Locked() {
		t.Fatal("Locked() = true after Unlock")
	}
	if _, _, err := store.Load(ctx, "jobs/test"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record after Unlock: err = %v, want ErrNotFound", err)
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	m := newTestMutex(t, memory.New())
	if _, err := m.Unlock(context.Background()); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("Unlock error = %v, want ErrNotLocked", err)
	}
}

func TestTryLockContended(t *testing.T) {
	store := memory.New()
	first := newTestMutex(t, store)
	second := newTestMutex(t, store)
	ctx := context.Background()

	if err := first.Lock(ctx); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	if err := second.TryLock(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second TryLock error = %v, want ErrAcquireTimeout", err)
	}
	if _, err := first.Unlock(ctx); err != nil {
		t.Fatalf("first Unlock: %v", err)
	}
	if err := second.TryLock(ctx); err != nil {
		t.Fatalf("second TryLock after release: %v", err)
	}
}

func TestLockWaitsForRelease(t *testing.T) {
	store := memory.New()
	first := newTestMutex(t, store)
	second := newTestMutex(t, store)
	ctx := context.Background()

	if err := first.Lock(ctx); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	acquired := make(chan error, 1)
	go func() {
		acquired <- second.Lock(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-acquired:
		t.Fatalf("second Lock returned %v while first still held", err)
	default:
	}

	if _, err := first.Unlock(ctx); err != nil {
		t.Fatalf("first Unlock: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second Lock after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestLockTimeoutExpires(t *testing.T) {
	store := memory.New()
	first := newTestMutex(t, store)
	second := newTestMutex(t, store)
	ctx := context.Background()

	if err := first.Lock(ctx); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	err := second.LockTimeout(ctx, 100*time.Millisecond)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second LockTimeout error = %v, want ErrAcquireTimeout", err)
	}
}

func TestLockReclaimsStaleRecord(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.Create(ctx, "jobs/test", storage.Record{
		Owner:         "dead-host:1:xyz",
		ExpiresAtUnix: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("seed stale record: %v", err)
	}

	m := newTestMutex(t, store)
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock over stale record: %v", err)
	}
	rec, _, err := store.Load(ctx, "jobs/test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Owner == "dead-host:1:xyz" {
		t.Fatal("stale record not replaced")
	}
}

func TestLockReclaimsOwnRecord(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cfg := testConfig(store)
	cfg.Identity = "self"
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	// Unexpired record from a previous incarnation of the same identity.
	if _, err := store.Create(ctx, "jobs/test", storage.Record{
		Owner:         "self",
		ExpiresAtUnix: time.Now().Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := m.TryLock(ctx); err != nil {
		t.Fatalf("TryLock over own record: %v", err)
	}
}

func TestRefresherExtendsLease(t *testing.T) {
	store := memory.New()
	m := newTestMutex(t, store)
	ctx := context.Background()

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	_, etagBefore, err := store.Load(ctx, "jobs/test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, etagNow, err := store.Load(ctx, "jobs/test")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if etagNow != etagBefore {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease never refreshed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := m.CheckHealth(); err != nil {
		t.Fatalf("CheckHealth while refreshing: %v", err)
	}
	if _, err := m.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestUnlockAfterRecordVanished(t *testing.T) {
	store := memory.New()
	m := newTestMutex(t, store)
	ctx := context.Background()

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := store.Delete(ctx, "jobs/test", ""); err != nil {
		t.Fatalf("out-of-band delete: %v", err)
	}
	deleted, err := m.Unlock(ctx)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if deleted {
		t.Fatal("Unlock reported deletion of a vanished record")
	}
}

// flakyStore fails Update on demand so refresher failure paths can be
// exercised.
type flakyStore struct {
	Store
	failUpdates atomic.Bool
}

func (f *flakyStore) Update(ctx context.Context, key string, rec storage.Record, expectedETag string) (string, error) {
	if f.failUpdates.Load() {
		return "", storage.NewTransientError(errors.New("injected update failure"))
	}
	return f.Store.Update(ctx, key, rec, expectedETag)
}

func TestCheckHealthAfterRefreshExhaustion(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	cfg := testConfig(store)
	cfg.RefreshInterval = 20 * time.Millisecond
	cfg.MaxRefreshFails = 2
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := m.CheckHealth(); err != nil {
		t.Fatalf("CheckHealth right after Lock: %v", err)
	}
	store.failUpdates.Store(true)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := m.CheckHealth(); errors.Is(err, ErrUnhealthy) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("CheckHealth never reported the dead refresher")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if healthy, _ := m.Healthy(); healthy {
		t.Fatal("Healthy() = true with dead refresher")
	}
	// Still believed held locally; the record simply stops refreshing.
	if !m.Locked() {
		t.Fatal("Locked() = false after refresher death")
	}
	m.Abandon()
	if m.Locked() {
		t.Fatal("Locked() = true after Abandon")
	}
}

func TestSynchronize(t *testing.T) {
	store := memory.New()
	m := newTestMutex(t, store)
	ctx := context.Background()

	ran := false
	err := m.Synchronize(ctx, func(ctx context.Context) error {
		ran = true
		if !m.Locked() {
			t.Error("not locked inside Synchronize")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if !ran {
		t.Fatal("Synchronize did not run fn")
	}
	if m.Locked() {
		t.Fatal("still locked after Synchronize")
	}
	if _, _, err := store.Load(ctx, "jobs/test"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record after Synchronize: err = %v, want ErrNotFound", err)
	}
}

func TestSynchronizePropagatesError(t *testing.T) {
	m := newTestMutex(t, memory.New())
	boom := errors.New("boom")
	err := m.Synchronize(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Synchronize error = %v, want boom", err)
	}
	if m.Locked() {
		t.Fatal("still locked after failed Synchronize")
	}
}

func TestSynchronizeReleasesAfterCancel(t *testing.T) {
	store := memory.New()
	m := newTestMutex(t, store)
	ctx, cancel := context.WithCancel(context.Background())

	err := m.Synchronize(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Synchronize error = %v, want context.Canceled", err)
	}
	if _, _, err := store.Load(context.Background(), "jobs/test"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record still present after cancelled Synchronize: err = %v", err)
	}
}

func TestScopedOwnership(t *testing.T) {
	store := memory.New()
	cfg := testConfig(store)
	cfg.Identity = "proc"
	cfg.ScopedOwnership = true
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	alice := WithOwnerToken(context.Background(), "alice")
	bob := WithOwnerToken(context.Background(), "bob")

	if err := m.Lock(alice); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !m.Owned(alice) {
		t.Fatal("Owned(alice) = false for alice's lock")
	}
	if m.Owned(bob) {
		t.Fatal("Owned(bob) = true for alice's lock")
	}
	owned, err := m.OwnedRemotely(alice)
	if err != nil || !owned {
		t.Fatalf("OwnedRemotely(alice) = %v, %v, want true", owned, err)
	}
	owned, err = m.OwnedRemotely(bob)
	if err != nil || owned {
		t.Fatalf("OwnedRemotely(bob) = %v, %v, want false", owned, err)
	}
	if _, err := m.Unlock(alice); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestHolderAndRemoteInspection(t *testing.T) {
	store := memory.New()
	cfg := testConfig(store)
	cfg.Identity = "inspector"
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	holder, _, err := m.Holder(ctx)
	if err != nil {
		t.Fatalf("Holder on empty store: %v", err)
	}
	if holder != "" {
		t.Fatalf("Holder = %q on empty store, want empty", holder)
	}
	locked, err := m.LockedRemotely(ctx)
	if err != nil || locked {
		t.Fatalf("LockedRemotely = %v, %v on empty store, want false", locked, err)
	}

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	holder, expires, err := m.Holder(ctx)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder != "inspector" {
		t.Fatalf("Holder = %q, want inspector", holder)
	}
	if !expires.After(time.Now()) {
		t.Fatalf("Holder expiry %v not in the future", expires)
	}
	locked, err = m.LockedRemotely(ctx)
	if err != nil || !locked {
		t.Fatalf("LockedRemotely = %v, %v while held, want true", locked, err)
	}
}

// countingStore tracks store round-trips so tests can assert an operation
// stayed local.
type countingStore struct {
	Store
	calls   atomic.Int64
	updates atomic.Int64
	deletes atomic.Int64
}

func (c *countingStore) Create(ctx context.Context, key string, rec storage.Record) (string, error) {
	c.calls.Add(1)
	return c.Store.Create(ctx, key, rec)
}

func (c *countingStore) Load(ctx context.Context, key string) (storage.Record, string, error) {
	c.calls.Add(1)
	return c.Store.Load(ctx, key)
}

func (c *countingStore) Update(ctx context.Context, key string, rec storage.Record, expectedETag string) (string, error) {
	c.calls.Add(1)
	c.updates.Add(1)
	return c.Store.Update(ctx, key, rec, expectedETag)
}

func (c *countingStore) Delete(ctx context.Context, key string, expectedETag string) error {
	c.calls.Add(1)
	c.deletes.Add(1)
	return c.Store.Delete(ctx, key, expectedETag)
}

func TestFirstRefreshWaitsFullInterval(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	cfg := testConfig(store)
	cfg.RefreshInterval = 500 * time.Millisecond
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// Well inside the first interval no lease extension may have gone out.
	time.Sleep(150 * time.Millisecond)
	if got := store.updates.Load(); got != 0 {
		t.Fatalf("refresher issued %d updates inside the first interval, want 0", got)
	}
}

func TestAbandonLeavesRecordInStore(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	cfg := testConfig(store)
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.Abandon()
	if m.Locked() {
		t.Fatal("Locked() = true after Abandon")
	}
	if got := store.deletes.Load(); got != 0 {
		t.Fatalf("Abandon issued %d deletes, want 0", got)
	}
	rec, _, err := store.Load(ctx, cfg.Key)
	if err != nil {
		t.Fatalf("record gone after Abandon: %v", err)
	}
	if rec.Owner == "" {
		t.Fatal("abandoned record lost its owner")
	}
}

func TestRelockFailsWithoutNetworkCall(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	cfg := testConfig(store)
	// Slow refresh so the refresher does not add calls mid-test.
	cfg.RefreshInterval = 500 * time.Millisecond
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	before := store.calls.Load()
	if err := m.Lock(ctx); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Lock error = %v, want ErrAlreadyLocked", err)
	}
	if after := store.calls.Load(); after != before {
		t.Fatalf("relock issued %d store calls, want 0", after-before)
	}
	if _, err := m.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock after Unlock: %v", err)
	}
}

func TestExternalMutationCausesUnhealthy(t *testing.T) {
	store := memory.New()
	cfg := testConfig(store)
	cfg.RefreshInterval = 20 * time.Millisecond
	cfg.MaxRefreshFails = 2
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// Rotate the record's version behind the holder's back.
	rec, etag, err := store.Load(ctx, "jobs/test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := store.Update(ctx, "jobs/test", rec, etag); err != nil {
		t.Fatalf("external Update: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := m.CheckHealth(); errors.Is(err, ErrUnhealthy) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("CheckHealth never turned unhealthy after external mutation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
