package omutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"pkt.systems/pslog"

	"pkt.systems/omutex/internal/clock"
	"pkt.systems/omutex/internal/storage"
)

// Mutex is a mutual-exclusion lock whose state of truth is a single record
// in an object store. At most one Mutex across any number of processes
// holds the lock for a given store and key at a time. A background
// refresher extends the lease while the lock is held; if the refresher dies
// the record expires and competing processes reclaim it.
//
// A Mutex is safe for concurrent use. It is not reentrant: a second Lock
// under the same identity fails with ErrAlreadyLocked until Unlock runs.
type Mutex struct {
	cfg    Config
	store  Store
	own    bool
	log    pslog.Logger
	clk    clock.Clock
	met    *metrics
	tracer trace.Tracer

	mu    sync.Mutex
	owner string // identity recorded in the store; empty when not held
	etag  string // record version of our holding
	gen   uint64 // bumped on every state change; stale refreshers see it and exit
	wake  chan struct{}
	done  chan struct{} // closed when the current refresher exits; nil when none
}

// New constructs a Mutex from cfg, opening the store when no Backend is
// supplied. Close releases the store again.
func New(cfg Config) (*Mutex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store := cfg.Backend
	own := false
	if store == nil {
		s, err := OpenStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		store = s
		own = true
	}
	return &Mutex{
		cfg:    cfg,
		store:  store,
		own:    own,
		log:    cfg.Logger.With("key", cfg.Key),
		clk:    cfg.Clock,
		met:    newMetrics(cfg.Metrics),
		tracer: cfg.Tracer,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Key reports the lock object's key.
func (m *Mutex) Key() string { return m.cfg.Key }

// Lock acquires the lock, waiting up to the configured AcquireTimeout. It
// returns ErrAcquireTimeout when the deadline elapses while another process
// still holds the lock, and ErrAlreadyLocked without any store round-trip
// when this mutex already holds it under the same identity.
func (m *Mutex) Lock(ctx context.Context) error {
	return m.LockTimeout(ctx, m.cfg.AcquireTimeout)
}

// TryLock attempts acquisition without waiting. It returns
// ErrAcquireTimeout when another process holds an unexpired lock, and
// ErrAlreadyLocked when this mutex itself already holds it.
func (m *Mutex) TryLock(ctx context.Context) error {
	return m.LockTimeout(ctx, 0)
}

// LockTimeout acquires the lock, waiting up to timeout. Zero means never
// sleep (a record abandoned by this same identity is still reclaimed);
// negative means wait until ctx ends.
func (m *Mutex) LockTimeout(ctx context.Context, timeout time.Duration) error {
	ctx, span := m.startSpan(ctx, "omutex.lock")
	defer span.End()
	err := m.acquire(ctx, timeout)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Unlock releases the lock. The bool reports whether this call deleted the
// lock record: false with a nil error means the record was already gone or
// rewritten by a competing process, which happens after lease expiry.
// Unlock returns ErrNotLocked when this mutex does not believe it holds the
// lock.
func (m *Mutex) Unlock(ctx context.Context) (bool, error) {
	ctx, span := m.startSpan(ctx, "omutex.unlock")
	defer span.End()

	m.mu.Lock()
	if m.owner == "" {
		m.mu.Unlock()
		return false, ErrNotLocked
	}
	etag := m.etag
	done := m.stopRefresherLocked()
	m.owner = ""
	m.etag = ""
	m.mu.Unlock()
	m.joinRefresher(done)

	m.met.incRelease()
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	err := m.store.Delete(opCtx, m.cfg.Key, etag)
	switch {
	case err == nil:
		m.log.Debug("lock released")
		return true, nil
	case isGone(err):
		// The record expired or a competitor reclaimed it; nothing left
		// for us to delete.
		m.log.Warn("lock record already gone at release", "error", err)
		return false, nil
	default:
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("omutex: release %q: %w", m.cfg.Key, err)
	}
}

// Abandon forgets the local holding without touching the store. The record
// stays until its lease expires. Useful when the store is unreachable and
// Unlock cannot succeed.
func (m *Mutex) Abandon() {
	m.mu.Lock()
	done := m.stopRefresherLocked()
	held := m.owner != ""
	m.owner = ""
	m.etag = ""
	m.mu.Unlock()
	m.joinRefresher(done)
	if held {
		m.log.Warn("lock abandoned, record expires at lease end")
	}
}

// Synchronize acquires the lock, runs fn, and releases the lock again. The
// release runs even when ctx was cancelled during fn.
func (m *Mutex) Synchronize(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_, err := m.Unlock(context.WithoutCancel(ctx))
		if err != nil && err != ErrNotLocked {
			m.log.Error("release after synchronize failed", "error", err)
		}
	}()
	return fn(ctx)
}

// Locked reports whether this mutex believes it holds the lock. The belief
// can be stale: after refresher death the record may have expired already.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != ""
}

// Owned reports whether this mutex holds the lock for the identity resolved
// from ctx. With ScopedOwnership disabled it equals Locked.
func (m *Mutex) Owned(ctx context.Context) bool {
	identity := m.ownerIdentity(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != "" && m.owner == identity
}

// Healthy reports whether the holding is sound: locked with a live
// refresher. The error carries detail when unhealthy or not locked.
func (m *Mutex) Healthy() (bool, error) {
	err := m.CheckHealth()
	return err == nil, err
}

// CheckHealth returns ErrNotLocked when no lock is held, and ErrUnhealthy
// when the lock is believed held but the background refresher has stopped,
// meaning the lease will expire.
func (m *Mutex) CheckHealth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == "" {
		return ErrNotLocked
	}
	if m.done == nil {
		return fmt.Errorf("%w: no refresher for held lock", ErrUnhealthy)
	}
	select {
	case <-m.done:
		return ErrUnhealthy
	default:
		return nil
	}
}

// LockedRemotely reports whether any process holds an unexpired lock on the
// key, querying the store directly.
func (m *Mutex) LockedRemotely(ctx context.Context) (bool, error) {
	rec, _, err := m.loadRecord(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !rec.Expired(m.clk.Now()), nil
}

// OwnedRemotely reports whether the store record names this mutex's
// identity and is unexpired.
func (m *Mutex) OwnedRemotely(ctx context.Context) (bool, error) {
	rec, _, err := m.loadRecord(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Owner == m.ownerIdentity(ctx) && !rec.Expired(m.clk.Now()), nil
}

// Holder reports the identity and lease expiry recorded in the store. An
// empty identity means no record exists.
func (m *Mutex) Holder(ctx context.Context) (string, time.Time, error) {
	rec, _, err := m.loadRecord(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return rec.Owner, time.Unix(rec.ExpiresAtUnix, 0).UTC(), nil
}

// Close abandons any holding and closes the store if this mutex opened it.
func (m *Mutex) Close() error {
	m.Abandon()
	if m.own {
		return m.store.Close()
	}
	return nil
}

func (m *Mutex) loadRecord(ctx context.Context) (storage.Record, string, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	rec, etag, err := m.store.Load(opCtx, m.cfg.Key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, "", fmt.Errorf("omutex: load %q: %w", m.cfg.Key, err)
	}
	return rec, etag, err
}

// stopRefresherLocked signals the current refresher to exit and returns its
// done channel for joining outside the state lock. Callers hold m.mu.
func (m *Mutex) stopRefresherLocked() chan struct{} {
	m.gen++
	done := m.done
	m.done = nil
	// Only a live refresher needs the wake nudge; a token pushed with
	// nobody listening would make the next refresher skip its first
	// interval.
	if done != nil {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return done
}

func (m *Mutex) joinRefresher(done chan struct{}) {
	if done != nil {
		<-done
	}
}

func (m *Mutex) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("omutex.key", m.cfg.Key)))
}

func isGone(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCASMismatch)
}
