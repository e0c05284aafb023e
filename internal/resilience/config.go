package resilience

import "time"

// FromSettings builds breaker and retry settings from configured values.
// Zero values keep the defaults.
func FromSettings(failureThreshold int, cooldown time.Duration, retries int) (BreakerConfig, RetryPolicy) {
	bc := DefaultBreakerConfig()
	if failureThreshold > 0 {
		bc.FailureThreshold = failureThreshold
	}
	if cooldown > 0 {
		bc.Cooldown = cooldown
	}
	rp := DefaultRetryPolicy()
	if retries >= 0 {
		rp.MaxAttempts = retries + 1
	}
	return bc, rp
}
