// Package limiter throttles login attempts per username and client address.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"time"
)

// Key identifies a throttled (username, client) pair. The client address is
// kept only as a hash.
type Key struct {
	Username string
	IPHash   []byte
}

// KeyFor builds a Key from a username and a peer address ("host:port" or bare host).
func KeyFor(username, addr string) Key {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := sha256.Sum256([]byte(addr))
	return Key{Username: username, IPHash: h[:]}
}

// Limiter tracks failed logins and temporary lockouts.
type Limiter interface {
	// Check returns errs.ErrRateLimited and the remaining lockout while k is blocked.
	Check(ctx context.Context, k Key) (time.Duration, error)
	// Failure records a failed attempt and reports whether k is now locked.
	Failure(ctx context.Context, k Key) (bool, error)
	// Reset clears k after a successful login.
	Reset(ctx context.Context, k Key) error
}
