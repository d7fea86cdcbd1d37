package omutex

import "github.com/prometheus/client_golang/prometheus"

// metrics tracks lock lifecycle counters. All methods tolerate a nil
// receiver so instrumentation stays optional.
type metrics struct {
	acquireAttempts prometheus.Counter
	acquired        prometheus.Counter
	acquireTimeouts prometheus.Counter
	staleReclaims   prometheus.Counter
	refreshes       prometheus.Counter
	refreshFailures prometheus.Counter
	leaseLosses     prometheus.Counter
	releases        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		acquireAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "acquire_attempts_total",
			Help: "Lock acquisition attempts, including retries.",
		}),
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "acquired_total",
			Help: "Successful lock acquisitions.",
		}),
		acquireTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "acquire_timeouts_total",
			Help: "Lock acquisitions abandoned at the deadline.",
		}),
		staleReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "stale_reclaims_total",
			Help: "Expired lock records deleted during acquisition.",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "refreshes_total",
			Help: "Successful lease refreshes.",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "refresh_failures_total",
			Help: "Failed lease refresh attempts.",
		}),
		leaseLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "lease_losses_total",
			Help: "Leases declared lost after the refresh failure budget.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omutex", Name: "releases_total",
			Help: "Explicit lock releases.",
		}),
	}
	reg.MustRegister(
		m.acquireAttempts, m.acquired, m.acquireTimeouts, m.staleReclaims,
		m.refreshes, m.refreshFailures, m.leaseLosses, m.releases,
	)
	return m
}

func (m *metrics) incAcquireAttempt() {
	if m != nil {
		m.acquireAttempts.Inc()
	}
}

func (m *metrics) incAcquired() {
	if m != nil {
		m.acquired.Inc()
	}
}

func (m *metrics) incAcquireTimeout() {
	if m != nil {
		m.acquireTimeouts.Inc()
	}
}

func (m *metrics) incStaleReclaim() {
	if m != nil {
		m.staleReclaims.Inc()
	}
}

func (m *metrics) incRefresh() {
	if m != nil {
		m.refreshes.Inc()
	}
}

func (m *metrics) incRefreshFailure() {
	if m != nil {
		m.refreshFailures.Inc()
	}
}

func (m *metrics) incLeaseLoss() {
	if m != nil {
		m.leaseLosses.Inc()
	}
}

func (m *metrics) incRelease() {
	if m != nil {
		m.releases.Inc()
	}
}
