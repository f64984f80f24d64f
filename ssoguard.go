// Package ssoguard is the authentication security core for the practice
// platform's federated single-sign-on: it proves an assertion is authentic,
// fresh and unused, and throttles abusive request volume across stateless
// application replicas. It renders nothing and owns no wire protocol; the
// request-handling layer consumes its structured decisions.
package ssoguard

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/caregate/ssoguard/pkg/errors"
	"github.com/caregate/ssoguard/pkg/protocol/saml"
	"github.com/caregate/ssoguard/pkg/ratelimit"
	"github.com/caregate/ssoguard/pkg/replay"
	"github.com/caregate/ssoguard/pkg/storage"
)

type Config struct {
	// Decoder verifies and decodes raw assertion responses. Required for
	// NewDefault; New accepts any Validator instead.
	Decoder saml.Decoder
	// ReplayStore may be injected directly; otherwise Runtime.Storage
	// selects and constructs one.
	ReplayStore storage.ReplayStore
	// Counter may be injected directly; otherwise Runtime.Cache selects
	// and constructs one. Without a counter the facade performs no
	// throttling.
	Counter ratelimit.Counter
	Logger  logr.Logger

	TrustedIssuer       string
	Audience            string
	AllowedEmailDomains []string
	ClockSkew           time.Duration
	// ReplayMargin pads recorded replay expiries past the assertion's
	// stated expiry. Defaults to replay.DefaultSafetyMargin.
	ReplayMargin time.Duration
	// Budgets overrides the default allowance per scope; unset scopes
	// keep ratelimit.DefaultBudgets values.
	Budgets map[ratelimit.Scope]ratelimit.Budget

	Runtime RuntimeConfig
}

// Client is the security decision facade. One call answers the callback
// path's question: is this login attempt admissible, and if so, is the
// assertion authentic, fresh and unused.
type Client struct {
	validator     Validator
	guard         *replay.Guard
	limiter       *ratelimit.Limiter
	budgets       map[ratelimit.Scope]ratelimit.Budget
	logger        logr.Logger
	closeResource func() error
}

// New builds a client around a caller-supplied Validator. The runtime
// config still wires the counter and replay store so rate limiting and the
// expiry sweep keep working.
func New(validator Validator, config Config) (*Client, error) {
	if validator == nil {
		return nil, oerrors.ErrMissingValidator
	}

	closeResource, resolved, err := config.initialize(context.Background())
	if err != nil {
		return nil, err
	}

	client, err := assemble(validator, nil, resolved, closeResource)
	if err != nil {
		_ = closeResource()
		return nil, err
	}
	return client, nil
}

// NewDefault builds the standard pipeline: rate limiter in front, then the
// assertion validator with the replay guard behind it.
func NewDefault(config Config) (*Client, error) {
	closeResource, resolved, err := config.initialize(context.Background())
	if err != nil {
		return nil, err
	}

	if resolved.Decoder == nil {
		_ = closeResource()
		return nil, oerrors.ErrMissingDecoder
	}
	if resolved.ReplayStore == nil {
		_ = closeResource()
		return nil, oerrors.ErrMissingReplayStore
	}

	guardOpts := []replay.Option{replay.WithLogger(resolved.Logger)}
	if resolved.ReplayMargin > 0 {
		guardOpts = append(guardOpts, replay.WithSafetyMargin(resolved.ReplayMargin))
	}
	guard, err := replay.NewGuard(resolved.ReplayStore, guardOpts...)
	if err != nil {
		_ = closeResource()
		return nil, err
	}

	validator, err := NewAssertionValidator(resolved.Decoder, guard, ValidatorConfig{
		TrustedIssuer:       resolved.TrustedIssuer,
		Audience:            resolved.Audience,
		AllowedEmailDomains: resolved.AllowedEmailDomains,
		ClockSkew:           resolved.ClockSkew,
	}, resolved.Logger)
	if err != nil {
		_ = closeResource()
		return nil, err
	}

	client, err := assemble(validator, guard, resolved, closeResource)
	if err != nil {
		_ = closeResource()
		return nil, err
	}
	return client, nil
}

func assemble(validator Validator, guard *replay.Guard, resolved Config, closeResource func() error) (*Client, error) {
	var limiter *ratelimit.Limiter
	if resolved.Counter != nil {
		var err error
		limiter, err = ratelimit.NewLimiter(resolved.Counter, ratelimit.WithLogger(resolved.Logger))
		if err != nil {
			return nil, err
		}
	}

	if guard == nil && resolved.ReplayStore != nil {
		guardOpts := []replay.Option{replay.WithLogger(resolved.Logger)}
		if resolved.ReplayMargin > 0 {
			guardOpts = append(guardOpts, replay.WithSafetyMargin(resolved.ReplayMargin))
		}
		var err error
		guard, err = replay.NewGuard(resolved.ReplayStore, guardOpts...)
		if err != nil {
			return nil, err
		}
	}

	budgets := ratelimit.DefaultBudgets()
	for scope, budget := range resolved.Budgets {
		if budget.Limit > 0 && budget.Window > 0 {
			budgets[scope] = budget
		}
	}

	return &Client{
		validator:     validator,
		guard:         guard,
		limiter:       limiter,
		budgets:       budgets,
		logger:        resolved.Logger,
		closeResource: closeResource,
	}, nil
}

// ValidateAssertion runs the full decision for one callback request. The
// auth-scope rate check runs first, keyed by network address, so floods
// are rejected before any decode cost is spent.
//
// Expected failures (bad signature, wrong issuer, replay, throttled, ...)
// come back as an unsuccessful ValidationResult with a nil error; a non-nil
// error means the facade itself was misused or broken.
func (c *Client) ValidateAssertion(ctx context.Context, rawAssertion string, authn AuthnContext) (ValidationResult, error) {
	if c == nil || c.validator == nil {
		return ValidationResult{}, oerrors.ErrMissingValidator
	}

	authn = authn.Normalize()

	if c.limiter != nil {
		budget := c.budgets[ratelimit.ScopeAuth]
		decision := c.limiter.Check(ctx, ratelimit.ScopeAuth, authn.IPAddress, budget.Limit, budget.Window)
		if !decision.Allowed {
			result := ValidationResult{
				RateLimited: true,
				Error:       "too many authentication attempts",
				ValidatedAt: time.Now().UTC(),
			}
			logDecision(c.logger, authn, result)
			return result, nil
		}
	}

	result, err := c.validator.ValidateAssertion(ctx, rawAssertion, authn)
	if err != nil {
		return ValidationResult{}, oerrors.Wrap(oerrors.CodeUnknown, "failed to validate assertion", err)
	}

	logDecision(c.logger, authn, result)
	return result, nil
}

// CheckRateLimit counts one request against the (scope, identifier) window.
// Fails open when the counter store is down; see storage.FailureModes for
// why this is the opposite of the replay guard's policy.
func (c *Client) CheckRateLimit(ctx context.Context, scope ratelimit.Scope, identifier string, limit int64, window time.Duration) (ratelimit.Result, error) {
	if c == nil || c.limiter == nil {
		return ratelimit.Result{}, oerrors.ErrMissingCounter
	}
	return c.limiter.Check(ctx, scope, identifier, limit, window), nil
}

// ResetRateLimit drops the counter for a (scope, identifier) pair.
func (c *Client) ResetRateLimit(ctx context.Context, scope ratelimit.Scope, identifier string) error {
	if c == nil || c.limiter == nil {
		return oerrors.ErrMissingCounter
	}
	return c.limiter.Reset(ctx, scope, identifier)
}

// BudgetFor returns the effective allowance for a scope.
func (c *Client) BudgetFor(scope ratelimit.Scope) (ratelimit.Budget, bool) {
	if c == nil {
		return ratelimit.Budget{}, false
	}
	budget, ok := c.budgets[scope]
	return budget, ok
}

// CleanupExpiredReplayEntries deletes replay records whose padded expiry
// has passed, returning the number removed. Intended to run on a periodic
// scheduler external to this library.
func (c *Client) CleanupExpiredReplayEntries(ctx context.Context) (int64, error) {
	if c == nil || c.guard == nil {
		return 0, oerrors.ErrMissingReplayStore
	}
	return c.guard.CleanupExpired(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.closeResource == nil {
		return nil
	}

	err := c.closeResource()
	if err != nil {
		return oerrors.Wrap(oerrors.CodeUnknown, "failed to close client resources", err)
	}
	c.closeResource = nil
	c.validator = nil
	return nil
}
