package ratelimit

import (
	"context"
	"time"
)

// Scope is an isolated counting domain. Counters in different scopes never
// share state, even for identical identifiers.
type Scope string

const (
	ScopeAuth     Scope = "auth"
	ScopeMFA      Scope = "mfa"
	ScopeAPI      Scope = "api"
	ScopeUpload   Scope = "upload"
	ScopeSession  Scope = "session"
	ScopeAdminCLI Scope = "admin_cli"
)

// Budget is a request allowance for one scope.
type Budget struct {
	Limit  int64
	Window time.Duration
}

// DefaultBudgets returns the stock allowances. Callers override per scope
// through configuration; nothing reads these at a call site directly.
func DefaultBudgets() map[Scope]Budget {
	return map[Scope]Budget{
		ScopeAuth:     {Limit: 20, Window: 15 * time.Minute},
		ScopeMFA:      {Limit: 5, Window: 15 * time.Minute},
		ScopeAPI:      {Limit: 500, Window: time.Minute},
		ScopeUpload:   {Limit: 30, Window: time.Minute},
		ScopeSession:  {Limit: 300, Window: time.Minute},
		ScopeAdminCLI: {Limit: 1, Window: time.Minute},
	}
}

// Result reports one rate limit decision. ResetTime (epoch milliseconds)
// and ResetAt carry the same instant in two shapes for caller convenience;
// both are always populated and in the future relative to the call.
type Result struct {
	Allowed   bool
	Current   int64
	Limit     int64
	Remaining int64
	ResetTime int64
	ResetAt   time.Time
}

// Counter is the shared, TTL-capable counter primitive behind the limiter.
// Incr must be atomic: concurrent increments on one key must not lose
// updates, or the throttle silently erodes.
type Counter interface {
	// Incr increments the counter, creating it with the window as its
	// expiry when absent, and returns the post-increment count together
	// with the key's remaining lifetime.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	// Get returns the current count, zero when the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// Delete removes the counter; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
