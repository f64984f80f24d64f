package ssoguard

import "github.com/go-logr/logr"

func resolveLogger(logger logr.Logger) logr.Logger {
	if logger.GetSink() == nil {
		return logr.Discard()
	}
	return logger
}

// logDecision emits the structured security event for one validation
// attempt. Logging is fire-and-forget: it happens after the decision is
// made and never influences or blocks it.
func logDecision(logger logr.Logger, authn AuthnContext, result ValidationResult) {
	keysAndValues := []any{
		"success", result.Success,
		"rate_limited", result.RateLimited,
		"request_id", authn.RequestID,
		"ip_address", authn.IPAddress,
		"issuer", result.Issuer,
	}
	if result.Error != "" {
		keysAndValues = append(keysAndValues, "reason", result.Error)
	}
	if result.Profile != nil {
		keysAndValues = append(keysAndValues, "subject", result.Profile.Email)
	}

	logger.V(1).Info("sso validation decision", keysAndValues...)
}
