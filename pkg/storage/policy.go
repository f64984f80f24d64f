package storage

// FailureMode names the behavior of a component when its backing store is
// unreachable. The asymmetry between the two security components is a
// deliberate contract, not an implementation accident: the replay guard
// fails closed (an unverifiable assertion is rejected) while the rate
// limiter fails open (availability of the login surface outranks throttle
// precision). Do not unify the two for consistency's sake.
type FailureMode string

const (
	FailureModeClosed FailureMode = "fail_closed"
	FailureModeOpen   FailureMode = "fail_open"
)

// Component identifies a security component for failure-mode lookup.
type Component string

const (
	ComponentReplayGuard Component = "replay_guard"
	ComponentRateLimiter Component = "rate_limiter"
)

// FailureModes returns the fixed failure policy per component.
func FailureModes() map[Component]FailureMode {
	return map[Component]FailureMode{
		ComponentReplayGuard: FailureModeClosed,
		ComponentRateLimiter: FailureModeOpen,
	}
}
