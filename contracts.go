package ssoguard

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthnContext carries the request-scoped facts about one login callback:
// who is knocking and under which correlation identifier.
type AuthnContext struct {
	RequestID string // correlation id of the login request; generated when absent
	IPAddress string
	UserAgent string
	Timestamp time.Time
}

func (c AuthnContext) Normalize() AuthnContext {
	c.RequestID = strings.TrimSpace(c.RequestID)
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}

	c.IPAddress = strings.TrimSpace(c.IPAddress)
	c.UserAgent = strings.TrimSpace(c.UserAgent)

	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	} else {
		c.Timestamp = c.Timestamp.UTC()
	}

	return c
}

// Profile holds the optional identity attributes an assertion may carry.
// Pointer fields distinguish an absent attribute from an empty one.
type Profile struct {
	Email       string
	DisplayName *string
	GivenName   *string
	Surname     *string
}

// Check is the tri-state outcome of a single validation step. A check that
// never ran reports Evaluated=false rather than silently passing.
type Check struct {
	Evaluated bool
	Passed    bool
}

func (c Check) Ok() bool {
	return c.Evaluated && c.Passed
}

// CheckFlags reports every validation step independently so audit logs can
// name the specific check that sank an attempt.
type CheckFlags struct {
	Signature   Check
	Issuer      Check
	Audience    Check
	Timestamp   Check
	NotReplay   Check
	EmailDomain Check
}

func (f CheckFlags) AllPassed() bool {
	return f.Signature.Ok() &&
		f.Issuer.Ok() &&
		f.Audience.Ok() &&
		f.Timestamp.Ok() &&
		f.NotReplay.Ok() &&
		f.EmailDomain.Ok()
}

// ValidationResult is the transient, per-call decision. Never persisted.
type ValidationResult struct {
	Success     bool
	Profile     *Profile
	Checks      CheckFlags
	Error       string
	ValidatedAt time.Time
	Issuer      string
	RateLimited bool
}

type Validator interface {
	ValidateAssertion(ctx context.Context, rawAssertion string, authn AuthnContext) (ValidationResult, error)
}
