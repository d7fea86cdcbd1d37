package omutex

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

var processNonce = sync.OnceValue(func() string {
	return uuid.NewString()
})

// DefaultIdentity names this process for lock records: hostname, pid and a
// per-process nonce so restarted processes never mistake a predecessor's
// lock for their own.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), processNonce())
}

// NewOwnerToken returns a fresh token for WithOwnerToken. Tokens are
// sortable by creation time.
func NewOwnerToken() string {
	return xid.New().String()
}

type ownerTokenKey struct{}

// WithOwnerToken scopes ctx to one logical owner. A mutex configured with
// ScopedOwnership appends the token to its identity, so ownership checks
// distinguish independent callers inside the same process.
func WithOwnerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ownerTokenKey{}, token)
}

// OwnerTokenFromContext reports the token installed by WithOwnerToken.
func OwnerTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ownerTokenKey{}).(string)
	return token, ok && token != ""
}

// ownerIdentity resolves the identity recorded in the store for ctx.
func (m *Mutex) ownerIdentity(ctx context.Context) string {
	if !m.cfg.ScopedOwnership {
		return m.cfg.Identity
	}
	if token, ok := OwnerTokenFromContext(ctx); ok {
		return m.cfg.Identity + "/" + token
	}
	return m.cfg.Identity
}
