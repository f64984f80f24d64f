package ssoguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	oerrors "github.com/caregate/ssoguard/pkg/errors"
	"github.com/caregate/ssoguard/pkg/protocol/saml"
	"github.com/caregate/ssoguard/pkg/replay"
	"github.com/caregate/ssoguard/pkg/storage"
)

const (
	testIssuer   = "https://idp.example.org/metadata"
	testAudience = "https://app.caregate.example/saml/acs"
)

type fakeDecoder struct {
	assertion saml.Assertion
	err       error
}

func (d *fakeDecoder) DecodeResponse(_ context.Context, _ string) (saml.Assertion, error) {
	if d.err != nil {
		return saml.Assertion{}, d.err
	}
	return d.assertion, nil
}

type memoryReplayStore struct {
	mu      sync.Mutex
	records map[string]storage.ReplayRecord
	failing error
}

func newMemoryReplayStore() *memoryReplayStore {
	return &memoryReplayStore{records: make(map[string]storage.ReplayRecord)}
}

func (s *memoryReplayStore) CreateReplay(_ context.Context, record storage.ReplayRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return false, s.failing
	}
	if _, ok := s.records[record.AssertionID]; ok {
		return false, nil
	}
	s.records[record.AssertionID] = record
	return true, nil
}

func (s *memoryReplayStore) GetReplay(_ context.Context, assertionID string) (storage.ReplayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[assertionID]
	if !ok {
		return storage.ReplayRecord{}, storage.ErrReplayNotFound
	}
	return record, nil
}

func (s *memoryReplayStore) DeleteExpiredReplays(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, record := range s.records {
		if record.ExpiresAt.Before(before) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func validAssertion() saml.Assertion {
	now := time.Now().UTC()
	return saml.Assertion{
		ID:           "_" + uuid.NewString(),
		InResponseTo: "_req-" + uuid.NewString(),
		Subject:      "Dr.Smith@clinic.example",
		Issuer:       testIssuer,
		Audience:     testAudience,
		NotBefore:    now.Add(-time.Minute),
		NotOnOrAfter: now.Add(5 * time.Minute),
		Attributes: map[string][]string{
			"displayName": {"Dr. Alex Smith"},
			"givenName":   {"Alex"},
			"sn":          {"Smith"},
		},
	}
}

func newTestValidator(t *testing.T, decoder saml.Decoder, store storage.ReplayStore, config ValidatorConfig) *AssertionValidator {
	t.Helper()
	guard, err := replay.NewGuard(store)
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}
	if config.TrustedIssuer == "" {
		config.TrustedIssuer = testIssuer
	}
	if config.Audience == "" {
		config.Audience = testAudience
	}
	validator, err := NewAssertionValidator(decoder, guard, config, logr.Discard())
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	return validator
}

func testAuthn() AuthnContext {
	return AuthnContext{
		RequestID: uuid.NewString(),
		IPAddress: "203.0.113.10",
		UserAgent: "test-agent/1.0",
	}
}

func TestValidateAssertionSuccessThenReplay(t *testing.T) {
	assertion := validAssertion()
	store := newMemoryReplayStore()
	validator := newTestValidator(t, &fakeDecoder{assertion: assertion}, store, ValidatorConfig{
		AllowedEmailDomains: []string{"clinic.example"},
	})

	result, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if !result.Checks.AllPassed() {
		t.Fatalf("expected all checks passed, got %+v", result.Checks)
	}
	if result.Profile == nil {
		t.Fatal("expected profile on success")
	}
	if result.Profile.Email != "dr.smith@clinic.example" {
		t.Errorf("expected lowercased email, got %q", result.Profile.Email)
	}
	if result.Profile.DisplayName == nil || *result.Profile.DisplayName != "Dr. Alex Smith" {
		t.Errorf("unexpected display name: %+v", result.Profile.DisplayName)
	}
	if result.Issuer != testIssuer {
		t.Errorf("expected issuer %q, got %q", testIssuer, result.Issuer)
	}
	if result.Error != "" {
		t.Errorf("expected empty error on success, got %q", result.Error)
	}

	// Same assertion again: everything structural still passes, only the
	// replay check fails.
	second, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Success {
		t.Fatal("expected replayed assertion to be rejected")
	}
	checks := second.Checks
	if !checks.Signature.Ok() || !checks.Issuer.Ok() || !checks.Audience.Ok() || !checks.Timestamp.Ok() {
		t.Errorf("expected structural checks to pass on replay, got %+v", checks)
	}
	if checks.NotReplay.Ok() {
		t.Error("expected replay check to fail on second use")
	}
	if !strings.Contains(second.Error, "dr.smith@clinic.example") {
		t.Errorf("expected error to name the original subject, got %q", second.Error)
	}
}

func TestValidateAssertionSignatureFailureShortCircuits(t *testing.T) {
	decoder := &fakeDecoder{err: errors.New("signature verification failed")}
	validator := newTestValidator(t, decoder, newMemoryReplayStore(), ValidatorConfig{})

	result, err := validator.ValidateAssertion(context.Background(), "tampered", testAuthn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure on bad signature")
	}
	if !result.Checks.Signature.Evaluated || result.Checks.Signature.Passed {
		t.Errorf("expected signature check evaluated and failed, got %+v", result.Checks.Signature)
	}
	for name, check := range map[string]Check{
		"issuer":      result.Checks.Issuer,
		"audience":    result.Checks.Audience,
		"timestamp":   result.Checks.Timestamp,
		"notReplay":   result.Checks.NotReplay,
		"emailDomain": result.Checks.EmailDomain,
	} {
		if check.Evaluated {
			t.Errorf("expected %s check not evaluated after signature failure, got %+v", name, check)
		}
	}
}

func TestValidateAssertionIssuerMismatchSkipsReplayRecording(t *testing.T) {
	assertion := validAssertion()
	assertion.Issuer = "https://rogue.example/metadata"
	store := newMemoryReplayStore()
	validator := newTestValidator(t, &fakeDecoder{assertion: assertion}, store, ValidatorConfig{})

	result, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected issuer mismatch to fail validation")
	}
	if result.Checks.Issuer.Ok() {
		t.Error("expected issuer check to fail")
	}
	if result.Checks.NotReplay.Evaluated {
		t.Error("expected replay check skipped for structurally invalid assertion")
	}
	if len(store.records) != 0 {
		t.Errorf("expected no replay record for rejected assertion, found %d", len(store.records))
	}
}

func TestValidateAssertionAudienceMismatch(t *testing.T) {
	assertion := validAssertion()
	assertion.Audience = "https://other-app.example/saml/acs"
	validator := newTestValidator(t, &fakeDecoder{assertion: assertion}, newMemoryReplayStore(), ValidatorConfig{})

	result, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected audience mismatch to fail validation")
	}
	if result.Checks.Audience.Ok() {
		t.Error("expected audience check to fail")
	}
	if !result.Checks.Issuer.Ok() {
		t.Error("expected issuer check to still pass")
	}
}

func TestValidateAssertionTimestampWindow(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name         string
		notBefore    time.Time
		notOnOrAfter time.Time
		skew         time.Duration
		wantPass     bool
	}{
		{
			name:         "within window",
			notBefore:    now.Add(-time.Minute),
			notOnOrAfter: now.Add(5 * time.Minute),
			wantPass:     true,
		},
		{
			name:         "expired",
			notBefore:    now.Add(-10 * time.Minute),
			notOnOrAfter: now.Add(-5 * time.Minute),
			wantPass:     false,
		},
		{
			name:         "not yet valid",
			notBefore:    now.Add(10 * time.Minute),
			notOnOrAfter: now.Add(20 * time.Minute),
			wantPass:     false,
		},
		{
			name:         "expired within skew",
			notBefore:    now.Add(-10 * time.Minute),
			notOnOrAfter: now.Add(-30 * time.Second),
			skew:         time.Minute,
			wantPass:     true,
		},
		{
			name:         "missing expiry",
			notBefore:    now.Add(-time.Minute),
			notOnOrAfter: time.Time{},
			wantPass:     false,
		},
		{
			name:         "missing not-before is unbounded",
			notBefore:    time.Time{},
			notOnOrAfter: now.Add(5 * time.Minute),
			wantPass:     true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assertion := validAssertion()
			assertion.NotBefore = test.notBefore
			assertion.NotOnOrAfter = test.notOnOrAfter
			validator := newTestValidator(t, &fakeDecoder{assertion: assertion}, newMemoryReplayStore(), ValidatorConfig{
				ClockSkew: test.skew,
			})

			result, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := result.Checks.Timestamp.Ok(); got != test.wantPass {
				t.Errorf("timestamp check = %v, want %v", got, test.wantPass)
			}
		})
	}
}

func TestValidateAssertionEmailDomain(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		allowed  []string
		wantPass bool
	}{
		{name: "allowed domain", subject: "nurse@clinic.example", allowed: []string{"clinic.example"}, wantPass: true},
		{name: "second allowed domain", subject: "admin@hq.example", allowed: []string{"clinic.example", "hq.example"}, wantPass: true},
		{name: "disallowed domain", subject: "intruder@evil.example", allowed: []string{"clinic.example"}, wantPass: false},
		{name: "case insensitive", subject: "Nurse@CLINIC.Example", allowed: []string{"clinic.example"}, wantPass: true},
		{name: "empty allow list admits all", subject: "anyone@anywhere.example", wantPass: true},
		{name: "no at-sign", subject: "not-an-email", allowed: []string{"clinic.example"}, wantPass: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assertion := validAssertion()
			assertion.Subject = test.subject
			validator := newTestValidator(t, &fakeDecoder{assertion: assertion}, newMemoryReplayStore(), ValidatorConfig{
				AllowedEmailDomains: test.allowed,
			})

			result, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := result.Checks.EmailDomain.Ok(); got != test.wantPass {
				t.Errorf("email domain check = %v, want %v", got, test.wantPass)
			}
		})
	}
}

func TestValidateAssertionReplayStoreDownFailsClosed(t *testing.T) {
	store := newMemoryReplayStore()
	store.failing = errors.New("connection refused")
	validator := newTestValidator(t, &fakeDecoder{assertion: validAssertion()}, store, ValidatorConfig{})

	result, err := validator.ValidateAssertion(context.Background(), "encoded", testAuthn())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected rejection when the replay store is unreachable")
	}
	if result.Checks.NotReplay.Ok() {
		t.Error("expected replay check to fail closed")
	}
	if result.Error == "" {
		t.Error("expected a failure reason")
	}
}

func TestNewAssertionValidatorRequiresDependencies(t *testing.T) {
	guard, err := replay.NewGuard(newMemoryReplayStore())
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}

	if _, err := NewAssertionValidator(nil, guard, ValidatorConfig{}, logr.Discard()); !errors.Is(err, oerrors.ErrMissingDecoder) {
		t.Errorf("expected ErrMissingDecoder, got %v", err)
	}
	if _, err := NewAssertionValidator(&fakeDecoder{}, nil, ValidatorConfig{}, logr.Discard()); !errors.Is(err, oerrors.ErrMissingReplayStore) {
		t.Errorf("expected ErrMissingReplayStore, got %v", err)
	}
}
