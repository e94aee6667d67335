// Package limiter throttles clients that keep failing the socket handshake.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks handshake failures per client address and places temporary blocks.
type Limiter interface {
	// Allow reports whether a handshake from ipHash may proceed and the remaining block otherwise.
	Allow(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful authentication.
	Success(ctx context.Context, ipHash []byte) error
	// Failure records a rejected handshake; may place a temporary block.
	Failure(ctx context.Context, ipHash []byte) (bool, time.Duration, error)
}
