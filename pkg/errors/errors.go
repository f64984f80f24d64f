package errors

import (
	"errors"
)

type Code string

// Policy failures: terminal for the attempt, reported as a failed check
// flag, never retried.
const (
	CodeInvalidSignature Code = "invalid_signature"
	CodeInvalidIssuer    Code = "invalid_issuer"
	CodeInvalidAudience  Code = "invalid_audience"
	CodeAssertionExpired Code = "assertion_expired"
	CodeReplayDetected   Code = "replay_detected"
	CodeDomainNotAllowed Code = "domain_not_allowed"
	CodeRateLimited      Code = "rate_limited"
)

// Infrastructure failures: handled through the replay guard's fail-closed
// and the rate limiter's fail-open contracts, not through retries.
const (
	CodeUnknown            Code = "unknown"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeCacheUnavailable   Code = "cache_unavailable"
	CodeNotImplemented     Code = "not_implemented"
)

var (
	ErrMissingValidator   = errors.New("ssoguard: validator is required")
	ErrMissingDecoder     = errors.New("ssoguard: assertion decoder is required")
	ErrMissingReplayStore = errors.New("ssoguard: replay store is required")
	ErrMissingCounter     = errors.New("ssoguard: rate limit counter is required")
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsCode(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

func IsInfrastructureCode(err error) bool {
	return IsCode(err, CodeUnknown) || IsCode(err, CodeStorageUnavailable) || IsCode(err, CodeCacheUnavailable) || IsCode(err, CodeNotImplemented)
}
