package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	oerrors "github.com/caregate/ssoguard/pkg/errors"
	"github.com/caregate/ssoguard/pkg/storage"
)

type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	failing error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}}
}

func (c *fakeCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if c.failing != nil {
		return 0, 0, c.failing
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], window, nil
}

func (c *fakeCounter) Get(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key], nil
}

func (c *fakeCounter) Delete(ctx context.Context, key string) error {
	if c.failing != nil {
		return c.failing
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

func TestCheckEnforcesLimit(t *testing.T) {
	limiter, err := NewLimiter(newFakeCounter())
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	wantAllowed := []bool{true, true, false}
	for i, want := range wantAllowed {
		result := limiter.Check(ctx, ScopeAuth, "ip-1", 2, time.Minute)
		if result.Allowed != want {
			t.Fatalf("call %d allowed = %v, want %v", i+1, result.Allowed, want)
		}
		if result.Current != int64(i+1) {
			t.Fatalf("call %d current = %d, want %d", i+1, result.Current, i+1)
		}
	}

	third := limiter.Check(ctx, ScopeAuth, "ip-1", 2, time.Minute)
	if third.Allowed {
		t.Fatal("fourth call should stay rejected")
	}
	if third.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", third.Remaining)
	}
}

func TestCheckIsolatesIdentifiersAndScopes(t *testing.T) {
	limiter, err := NewLimiter(newFakeCounter())
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Check(ctx, ScopeAuth, "ip-1", 10, time.Minute)
	}

	other := limiter.Check(ctx, ScopeAuth, "ip-2", 10, time.Minute)
	if other.Current != 1 {
		t.Fatalf("other identifier current = %d, want 1", other.Current)
	}

	sameIDOtherScope := limiter.Check(ctx, ScopeAPI, "ip-1", 10, time.Minute)
	if sameIDOtherScope.Current != 1 {
		t.Fatalf("other scope current = %d, want 1", sameIDOtherScope.Current)
	}
}

func TestCheckResetFieldsPopulated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter, err := NewLimiter(newFakeCounter(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	result := limiter.Check(context.Background(), ScopeAPI, "user-1", 5, time.Minute)

	if !result.ResetAt.After(now) {
		t.Fatalf("ResetAt = %v, want after %v", result.ResetAt, now)
	}
	if result.ResetTime != result.ResetAt.UnixMilli() {
		t.Fatalf("ResetTime = %d, want %d", result.ResetTime, result.ResetAt.UnixMilli())
	}
	if result.ResetTime <= now.UnixMilli() {
		t.Fatalf("ResetTime = %d, want in the future", result.ResetTime)
	}
}

func TestCheckFailsOpenOnCounterError(t *testing.T) {
	counter := newFakeCounter()
	counter.failing = errors.New("connection refused")

	limiter, err := NewLimiter(counter)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	result := limiter.Check(context.Background(), ScopeAuth, "ip-1", 20, time.Minute)

	if !result.Allowed {
		t.Fatal("expected fail-open to allow")
	}
	if result.Current != 0 {
		t.Fatalf("current = %d, want 0", result.Current)
	}
	if result.Remaining != 20 {
		t.Fatalf("remaining = %d, want full limit", result.Remaining)
	}
	if result.ResetTime == 0 || result.ResetAt.IsZero() {
		t.Fatal("reset fields must be populated even when failing open")
	}
}

func TestResetClearsCounter(t *testing.T) {
	counter := newFakeCounter()
	limiter, err := NewLimiter(counter)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	limiter.Check(ctx, ScopeAuth, "ip-1", 2, time.Minute)
	limiter.Check(ctx, ScopeAuth, "ip-1", 2, time.Minute)

	if err := limiter.Reset(ctx, ScopeAuth, "ip-1"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	result := limiter.Check(ctx, ScopeAuth, "ip-1", 2, time.Minute)
	if result.Current != 1 {
		t.Fatalf("current after reset = %d, want 1", result.Current)
	}

	// Resetting a counter that does not exist is a no-op.
	if err := limiter.Reset(ctx, ScopeAuth, "never-seen"); err != nil {
		t.Fatalf("reset of missing counter failed: %v", err)
	}
}

func TestFailureModeContract(t *testing.T) {
	limiter, err := NewLimiter(newFakeCounter())
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if limiter.FailureMode() != storage.FailureModeOpen {
		t.Fatalf("limiter failure mode = %q, want fail open", limiter.FailureMode())
	}

	modes := storage.FailureModes()
	if modes[storage.ComponentRateLimiter] != storage.FailureModeOpen {
		t.Fatal("component table must declare the limiter fail open")
	}
	if modes[storage.ComponentReplayGuard] != storage.FailureModeClosed {
		t.Fatal("component table must declare the replay guard fail closed")
	}
}

func TestNewLimiterRequiresCounter(t *testing.T) {
	if _, err := NewLimiter(nil); !errors.Is(err, oerrors.ErrMissingCounter) {
		t.Fatalf("expected ErrMissingCounter, got %v", err)
	}
}

func TestDefaultBudgetsCoverAllScopes(t *testing.T) {
	budgets := DefaultBudgets()

	for _, scope := range []Scope{ScopeAuth, ScopeMFA, ScopeAPI, ScopeUpload, ScopeSession, ScopeAdminCLI} {
		budget, ok := budgets[scope]
		if !ok {
			t.Fatalf("no default budget for scope %q", scope)
		}
		if budget.Limit <= 0 || budget.Window <= 0 {
			t.Fatalf("budget for %q is degenerate: %+v", scope, budget)
		}
	}

	if budgets[ScopeMFA].Limit >= budgets[ScopeAuth].Limit {
		t.Fatal("mfa budget should be tighter than auth")
	}
}
