package ssoguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/caregate/ssoguard/pkg/errors"
	"github.com/caregate/ssoguard/pkg/protocol/saml"
	"github.com/caregate/ssoguard/pkg/replay"
)

const DefaultClockSkew = 90 * time.Second

type ValidatorConfig struct {
	// TrustedIssuer is the entity ID the assertion's issuer must match.
	TrustedIssuer string
	// Audience is this service's registered identifier.
	Audience string
	// AllowedEmailDomains restricts subject identities to organizational
	// domains. An empty list applies no domain restriction.
	AllowedEmailDomains []string
	// ClockSkew widens the validity window on both bounds.
	ClockSkew time.Duration
}

// AssertionValidator runs the per-assertion check pipeline: signature
// first, then the pure policy checks, and only once the assertion is
// structurally sound does the replay guard record its consumption, so a
// forged assertion never reaches the replay store.
type AssertionValidator struct {
	decoder        saml.Decoder
	guard          *replay.Guard
	trustedIssuer  string
	audience       string
	allowedDomains map[string]struct{}
	skew           time.Duration
	logger         logr.Logger
	now            func() time.Time
}

var _ Validator = (*AssertionValidator)(nil)

func NewAssertionValidator(decoder saml.Decoder, guard *replay.Guard, config ValidatorConfig, logger logr.Logger) (*AssertionValidator, error) {
	if decoder == nil {
		return nil, oerrors.ErrMissingDecoder
	}
	if guard == nil {
		return nil, oerrors.ErrMissingReplayStore
	}

	skew := config.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}

	allowed := make(map[string]struct{}, len(config.AllowedEmailDomains))
	for _, domain := range config.AllowedEmailDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			allowed[domain] = struct{}{}
		}
	}

	return &AssertionValidator{
		decoder:        decoder,
		guard:          guard,
		trustedIssuer:  config.TrustedIssuer,
		audience:       config.Audience,
		allowedDomains: allowed,
		skew:           skew,
		logger:         resolveLogger(logger),
		now:            time.Now,
	}, nil
}

func (v *AssertionValidator) ValidateAssertion(ctx context.Context, rawAssertion string, authn AuthnContext) (ValidationResult, error) {
	authn = authn.Normalize()

	result := ValidationResult{
		ValidatedAt: v.now().UTC(),
	}

	assertion, err := v.decoder.DecodeResponse(ctx, rawAssertion)
	if err != nil {
		// Terminal: with an unverified signature none of the semantic
		// checks mean anything, so they stay not-evaluated.
		result.Checks.Signature = Check{Evaluated: true, Passed: false}
		result.Error = "assertion signature verification failed"
		return result, nil
	}
	result.Checks.Signature = Check{Evaluated: true, Passed: true}
	result.Issuer = assertion.Issuer

	subject := strings.ToLower(strings.TrimSpace(assertion.Subject))

	result.Checks.Issuer = Check{Evaluated: true, Passed: assertion.Issuer == v.trustedIssuer}
	if !result.Checks.Issuer.Passed {
		result.Error = fmt.Sprintf("assertion issuer %q is not trusted", assertion.Issuer)
	}

	result.Checks.Audience = Check{Evaluated: true, Passed: assertion.Audience == v.audience}
	if !result.Checks.Audience.Passed && result.Error == "" {
		result.Error = fmt.Sprintf("assertion audience %q does not match this service", assertion.Audience)
	}

	result.Checks.Timestamp = v.checkValidityWindow(assertion, authn.Timestamp)
	if !result.Checks.Timestamp.Passed && result.Error == "" {
		result.Error = "assertion is outside its validity window"
	}

	result.Checks.EmailDomain = v.checkEmailDomain(subject)
	if !result.Checks.EmailDomain.Passed && result.Error == "" {
		result.Error = fmt.Sprintf("subject domain is not permitted for %q", subject)
	}

	structurallySound := result.Checks.Issuer.Ok() &&
		result.Checks.Audience.Ok() &&
		result.Checks.Timestamp.Ok()

	// The replay check is the only one with side effects. It runs last and
	// only for assertions that passed every structural check, so a forged
	// or mis-addressed assertion can never poison the replay store.
	if structurallySound {
		outcome, guardErr := v.guard.CheckAndTrack(ctx, replay.Entry{
			AssertionID: assertion.ID,
			RequestID:   firstNonEmpty(assertion.InResponseTo, authn.RequestID),
			Subject:     subject,
			IPAddress:   authn.IPAddress,
			UserAgent:   authn.UserAgent,
			ExpiresAt:   assertion.NotOnOrAfter,
		})

		result.Checks.NotReplay = Check{Evaluated: true, Passed: outcome.Safe}
		switch {
		case guardErr != nil:
			result.Error = "replay guard unavailable, rejecting assertion"
		case !outcome.Safe && outcome.Existing != nil:
			result.Error = fmt.Sprintf(
				"assertion already consumed by %q from %s",
				outcome.Existing.Subject, outcome.Existing.IPAddress,
			)
		case !outcome.Safe:
			result.Error = "assertion already consumed"
		}
	}

	result.Success = result.Checks.AllPassed()
	if result.Success {
		result.Profile = extractProfile(assertion, subject)
		result.Error = ""
	}

	return result, nil
}

// checkValidityWindow applies the configured skew on both bounds. A
// missing NotBefore is treated as unbounded; a missing NotOnOrAfter fails
// the check, since an assertion that never verifiably expires cannot be
// tracked out of the replay store.
func (v *AssertionValidator) checkValidityWindow(assertion saml.Assertion, at time.Time) Check {
	if assertion.NotOnOrAfter.IsZero() {
		return Check{Evaluated: true, Passed: false}
	}

	if !assertion.NotBefore.IsZero() && at.Add(v.skew).Before(assertion.NotBefore) {
		return Check{Evaluated: true, Passed: false}
	}
	if !at.Add(-v.skew).Before(assertion.NotOnOrAfter) {
		return Check{Evaluated: true, Passed: false}
	}

	return Check{Evaluated: true, Passed: true}
}

func (v *AssertionValidator) checkEmailDomain(subject string) Check {
	if len(v.allowedDomains) == 0 {
		return Check{Evaluated: true, Passed: true}
	}

	at := strings.LastIndex(subject, "@")
	if at < 0 || at == len(subject)-1 {
		return Check{Evaluated: true, Passed: false}
	}

	_, ok := v.allowedDomains[subject[at+1:]]
	return Check{Evaluated: true, Passed: ok}
}

func extractProfile(assertion saml.Assertion, subject string) *Profile {
	profile := &Profile{Email: subject}

	if value, ok := assertion.Attribute(saml.DisplayNameAttributes...); ok {
		profile.DisplayName = &value
	}
	if value, ok := assertion.Attribute(saml.GivenNameAttributes...); ok {
		profile.GivenName = &value
	}
	if value, ok := assertion.Attribute(saml.SurnameAttributes...); ok {
		profile.Surname = &value
	}

	return profile
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
