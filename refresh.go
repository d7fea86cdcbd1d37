package omutex

import (
	"context"
	"time"

	"pkt.systems/omutex/internal/periodic"
	"pkt.systems/omutex/internal/storage"
)

// runRefresher extends the lease every RefreshInterval until the holding
// identified by gen ends or the failure budget runs out. It owns done and
// closes it on exit; CheckHealth watches that channel.
func (m *Mutex) runRefresher(gen uint64, done chan struct{}) {
	defer close(done)
	status := periodic.Run(context.Background(), m.clk, periodic.Config{
		Interval:    m.cfg.RefreshInterval,
		MaxFailures: m.cfg.MaxRefreshFails,
		Cancelled: func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.gen != gen
		},
		Wake: m.wake,
		Notify: func(wait time.Duration) {
			m.log.Debug("refresher waiting", "wait", wait)
		},
		Work: func(ctx context.Context) bool {
			return m.refreshOnce(ctx, gen)
		},
	})
	if status == periodic.Exhausted {
		m.met.incLeaseLoss()
		// Local state stays so CheckHealth reports the dead refresher;
		// the record expires on its own and competitors reclaim it.
		m.log.Error("lease lost, refresh failure budget exhausted",
			"max_refresh_fails", m.cfg.MaxRefreshFails)
	}
}

func (m *Mutex) refreshOnce(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return true
	}
	owner, etag := m.owner, m.etag
	m.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	rec := storage.Record{
		Owner:         owner,
		ExpiresAtUnix: m.clk.Now().Add(m.cfg.TTL).Unix(),
	}
	newETag, err := m.store.Update(opCtx, m.cfg.Key, rec, etag)
	if err != nil {
		m.met.incRefreshFailure()
		m.log.Warn("lease refresh failed", "error", err)
		return false
	}
	m.met.incRefresh()
	m.mu.Lock()
	if m.gen == gen {
		m.etag = newETag
	}
	m.mu.Unlock()
	return true
}
