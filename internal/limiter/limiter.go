// Package limiter paces requests to coordinators and locks a coordinator out after repeated failures.
package limiter

import (
	"context"
	"time"
)

// Limiter controls request pacing and temporary lockouts per key (a coordinator short alias).
type Limiter interface {
	// Allow reports whether a request may be sent now and an optional retry-after.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Wait blocks until a request may be sent. It fails with errs.ErrRateLimited during a lockout.
	Wait(ctx context.Context, key string) error
	// Success resets failure counters after a successful request.
	Success(ctx context.Context, key string) error
	// Failure records a failed request; may place a temporary block.
	Failure(ctx context.Context, key string) (bool, time.Duration, error)
}
