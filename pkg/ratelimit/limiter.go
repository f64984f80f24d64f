// Package ratelimit throttles request volume per (scope, identifier) pair
// against a shared, TTL-capable counter store, so a fleet of stateless
// replicas enforces one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/caregate/ssoguard/pkg/errors"
	"github.com/caregate/ssoguard/pkg/storage"
)

const DefaultKeyPrefix = "ssoguard:rl:"

type Limiter struct {
	counter Counter
	prefix  string
	logger  logr.Logger
	now     func() time.Time
}

type Option func(*Limiter)

func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLimiter(counter Counter, opts ...Option) (*Limiter, error) {
	if counter == nil {
		return nil, oerrors.ErrMissingCounter
	}

	limiter := &Limiter{
		counter: counter,
		prefix:  DefaultKeyPrefix,
		logger:  logr.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(limiter)
	}

	return limiter, nil
}

// FailureMode documents the limiter's behavior when the counter store is
// down: fail open. Availability of the login and API surface outranks
// throttle precision, which is the opposite of the replay guard's policy;
// see storage.FailureModes.
func (l *Limiter) FailureMode() storage.FailureMode {
	return storage.FailureModeOpen
}

// Check atomically counts this call against the (scope, identifier) window
// and decides whether it fits the limit.
//
// A counter store failure never blocks the caller: the result is allowed
// with a full remaining budget, and the degradation is logged at error
// severity so operators see the throttle is not enforcing.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string, limit int64, window time.Duration) Result {
	now := l.now().UTC()

	count, ttl, err := l.counter.Incr(ctx, l.key(scope, identifier), window)
	if err != nil {
		l.logger.Error(err, "rate limit counter unavailable, failing open",
			"scope", scope, "identifier", identifier)
		reset := now.Add(window)
		return Result{
			Allowed:   true,
			Current:   0,
			Limit:     limit,
			Remaining: limit,
			ResetTime: reset.UnixMilli(),
			ResetAt:   reset,
		}
	}

	if ttl <= 0 {
		ttl = window
	}
	resetAt := now.Add(ttl)

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= limit,
		Current:   count,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: resetAt.UnixMilli(),
		ResetAt:   resetAt,
	}
}

// Reset drops the counter for a (scope, identifier) pair. Missing counters
// reset to nothing successfully.
func (l *Limiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	if err := l.counter.Delete(ctx, l.key(scope, identifier)); err != nil {
		return fmt.Errorf("ratelimit: reset %s/%s: %w", scope, identifier, err)
	}
	return nil
}

func (l *Limiter) key(scope Scope, identifier string) string {
	return l.prefix + string(scope) + ":" + identifier
}
