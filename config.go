package omutex

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/omutex/internal/clock"
	"pkt.systems/omutex/internal/storage"
)

const (
	// DefaultTTL is the lease duration written into new lock records.
	DefaultTTL = 60 * time.Second
	// DefaultAcquireTimeout bounds Lock when no explicit deadline is
	// supplied: two full lease terms, so a waiting caller outlasts one
	// stale holder. Validate derives it from the configured TTL.
	DefaultAcquireTimeout = 2 * DefaultTTL
	// DefaultMaxRefreshFails is how many consecutive refresh failures
	// the background refresher tolerates before declaring the lease
	// lost.
	DefaultMaxRefreshFails = 3
	// DefaultBackoffMin is the initial delay between acquire attempts
	// while the lock is held elsewhere.
	DefaultBackoffMin = 1 * time.Second
	// DefaultBackoffMax caps the delay between acquire attempts.
	DefaultBackoffMax = 30 * time.Second
	// DefaultBackoffMultiplier defines the exponential backoff ratio.
	DefaultBackoffMultiplier = 2.0
	// DefaultOperationTimeout bounds single store round-trips made by
	// the refresher and the remote inspection helpers.
	DefaultOperationTimeout = 10 * time.Second
)

// Config describes a distributed mutex bound to one object key.
type Config struct {
	// Store locates the lock backend. Accepts the same URL schemes as
	// OpenStore: mem://, disk://, s3://, aws://, azure://. Ignored when
	// Backend is set.
	Store string
	// Backend supplies a ready-made store, bypassing the Store URL.
	// Useful for tests and custom backends.
	Backend Store
	// Key names the lock object within the store. Required.
	Key string
	// Identity is this holder's name in lock records. Defaults to
	// DefaultIdentity().
	Identity string
	// ScopedOwnership appends per-context owner tokens (see
	// WithOwnerToken) to the identity, so independent callers sharing
	// one process do not satisfy each other's ownership checks.
	ScopedOwnership bool
	// TTL is the lease duration. Competing processes may reclaim the
	// lock this long after the last successful refresh.
	TTL time.Duration
	// RefreshInterval is the period of the background lease refresher.
	// Defaults to TTL/8.
	RefreshInterval time.Duration
	// MaxRefreshFails is the refresher's consecutive-failure budget.
	MaxRefreshFails int
	// AcquireTimeout bounds Lock calls. Zero selects
	// DefaultAcquireTimeout; negative means wait forever.
	AcquireTimeout time.Duration
	// BackoffMin, BackoffMax and BackoffMultiplier shape the delay
	// between acquire attempts while the lock is contended.
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// OperationTimeout bounds individual store round-trips.
	OperationTimeout time.Duration
	// Logger receives structured events. Defaults to a no-op logger.
	Logger pslog.Logger
	// Metrics, when set, registers lock counters with the given
	// registerer.
	Metrics prometheus.Registerer
	// Tracer, when set, wraps lock operations in spans.
	Tracer trace.Tracer
	// Clock overrides the time source for tests.
	Clock clock.Clock
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Backend == nil && strings.TrimSpace(c.Store) == "" {
		return fmt.Errorf("%w: store or backend is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidConfig)
	}
	if c.Identity == "" {
		c.Identity = DefaultIdentity()
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	} else if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidConfig)
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = c.TTL / 8
	} else if c.RefreshInterval < 0 {
		return fmt.Errorf("%w: refresh interval must be > 0", ErrInvalidConfig)
	}
	if c.MaxRefreshFails == 0 {
		c.MaxRefreshFails = DefaultMaxRefreshFails
	} else if c.MaxRefreshFails < 0 {
		return fmt.Errorf("%w: max refresh fails must be > 0", ErrInvalidConfig)
	}
	// The lease must survive the full failure budget, otherwise a
	// competing process can reclaim a lock whose holder is still alive.
	if c.RefreshInterval*time.Duration(c.MaxRefreshFails) >= c.TTL {
		return fmt.Errorf("%w: refresh interval %v times budget %d must stay below ttl %v",
			ErrInvalidConfig, c.RefreshInterval, c.MaxRefreshFails, c.TTL)
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 2 * c.TTL
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("%w: backoff max %v below backoff min %v", ErrInvalidConfig, c.BackoffMax, c.BackoffMin)
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	} else if c.BackoffMultiplier < 1 {
		// Contended-backoff delays must never shrink.
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return nil
}

// Store is the narrow backend contract a mutex needs. It matches
// storage.Store so the built-in backends plug in directly.
type Store = storage.Store
