package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of one collaborator call.
type RetryPolicy struct {
	// MaxAttempts counts the first try. 1 disables retries. Default 2.
	MaxAttempts int
	// Backoff is the delay before the first retry. Default 250ms.
	Backoff time.Duration
	// MaxBackoff caps the delay. Default 5s.
	MaxBackoff time.Duration
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
	// Retryable overrides IsTransient.
	Retryable func(err error) bool
}

// DefaultRetryPolicy returns a single retry with a short backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second, Jitter: 0.2}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Delay returns the wait before retry n (0-based), doubling each time.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.Backoff) * math.Pow(2, float64(n))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, fails permanently, exhausts the policy
// or ctx is done. The last error is returned.
func Retry[T any](ctx context.Context, name string, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var (
		zero T
		err  error
	)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt == p.MaxAttempts-1 {
			break
		}

		zap.L().Debug("resilience: retrying collaborator call",
			zap.String("collaborator", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
	return zero, err
}
