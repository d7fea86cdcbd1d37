package omutex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/omutex/internal/retry"
	"pkt.systems/omutex/internal/storage"
)

type holding struct {
	etag string
}

func (m *Mutex) acquire(ctx context.Context, timeout time.Duration) error {
	identity := m.ownerIdentity(ctx)

	// Not reentrant: holding again under the same identity is a caller
	// bug, refused before any store round-trip.
	m.mu.Lock()
	if m.owner != "" && m.owner == identity {
		m.mu.Unlock()
		return ErrAlreadyLocked
	}
	m.mu.Unlock()

	log := m.log.With("correlation_id", xid.New().String(), "identity", identity)

	got, err := retry.Run(ctx, m.clk, retry.Config{
		Timeout:    timeout,
		BaseDelay:  m.cfg.BackoffMin,
		MaxDelay:   m.cfg.BackoffMax,
		Multiplier: m.cfg.BackoffMultiplier,
		Notify: func(attempt int, reason string, delay time.Duration) {
			log.Debug("acquire waiting", "attempt", attempt, "reason", reason, "delay", delay)
		},
	}, func(ctx context.Context) (holding, retry.Decision, error) {
		return m.attemptAcquire(ctx, identity, log)
	})
	switch {
	case errors.Is(err, retry.ErrTimeout):
		m.met.incAcquireTimeout()
		log.Warn("acquire timed out")
		return ErrAcquireTimeout
	case err != nil:
		return err
	}

	m.mu.Lock()
	// A previous holding on this mutex is superseded, never doubled.
	prev := m.stopRefresherLocked()
	m.owner = identity
	m.etag = got.etag
	gen := m.gen
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()
	m.joinRefresher(prev)
	go m.runRefresher(gen, done)

	m.met.incAcquired()
	log.Info("lock acquired", "ttl", m.cfg.TTL)
	return nil
}

// attemptAcquire makes one pass over the lock record: create it, or inspect
// the existing record and reclaim it when it is ours or expired.
func (m *Mutex) attemptAcquire(ctx context.Context, identity string, log pslog.Logger) (holding, retry.Decision, error) {
	m.met.incAcquireAttempt()
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	rec := storage.Record{
		Owner:         identity,
		ExpiresAtUnix: m.clk.Now().Add(m.cfg.TTL).Unix(),
	}
	etag, err := m.store.Create(opCtx, m.cfg.Key, rec)
	if err == nil {
		return holding{etag: etag}, retry.Decision{Verdict: retry.Done}, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		if storage.IsTransient(err) {
			log.Warn("store unavailable during acquire", "error", err)
			return holding{}, retry.Decision{Verdict: retry.Backoff, Reason: "store_transient"}, nil
		}
		return holding{}, retry.Decision{}, fmt.Errorf("omutex: create %q: %w", m.cfg.Key, err)
	}

	current, currentETag, err := m.store.Load(opCtx, m.cfg.Key)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted between our create and load; race for it again.
		return holding{}, retry.Decision{Verdict: retry.Again, Reason: "record_vanished"}, nil
	}
	if err != nil {
		if storage.IsTransient(err) {
			log.Warn("store unavailable during acquire", "error", err)
			return holding{}, retry.Decision{Verdict: retry.Backoff, Reason: "store_transient"}, nil
		}
		return holding{}, retry.Decision{}, fmt.Errorf("omutex: load %q: %w", m.cfg.Key, err)
	}

	switch {
	case current.Owner == identity:
		// Left over from a crashed predecessor run of ourselves; the
		// slot is rightfully ours, race for it without waiting.
		log.Warn("reclaiming own lock record", "expires_at", time.Unix(current.ExpiresAtUnix, 0).UTC())
		m.deleteRecord(opCtx, currentETag, log)
		return holding{}, retry.Decision{Verdict: retry.Again, Reason: "reclaim_own"}, nil
	case current.Expired(m.clk.Now()):
		// Delete is best effort; a concurrent reclaimer may win it.
		// Either way the contended-wait path decides who creates next.
		m.met.incStaleReclaim()
		log.Warn("reclaiming stale lock", "holder", current.Owner,
			"expires_at", time.Unix(current.ExpiresAtUnix, 0).UTC())
		m.deleteRecord(opCtx, currentETag, log)
		return holding{}, retry.Decision{Verdict: retry.Backoff, Reason: "stale_reclaim"}, nil
	default:
		return holding{}, retry.Decision{Verdict: retry.Backoff, Reason: "held"}, nil
	}
}

// deleteRecord removes the record at etag, reporting success. CAS mismatch
// and not-found mean a competitor got there first.
func (m *Mutex) deleteRecord(ctx context.Context, etag string, log pslog.Logger) bool {
	err := m.store.Delete(ctx, m.cfg.Key, etag)
	if err == nil {
		return true
	}
	if !isGone(err) {
		log.Warn("reclaim delete failed", "error", err)
	}
	return false
}
