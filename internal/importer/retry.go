package importer

import (
	"context"
	"time"
)

// retryable is the table driving retry decisions: only transient source
// failures are retried. Everything else fails the run on first occurrence.
var retryable = map[ErrorKind]bool{
	KindRateLimited:         true,
	KindUpstreamUnavailable: true,
}

// RetryPolicy describes bounded exponential backoff for transient fetch
// failures.
type RetryPolicy struct {
	// MaxAttempts is the total attempt ceiling, including the first try.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; each subsequent retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the standard policy.
// Parameters: none.
// Returns:
//   - RetryPolicy: 3 attempts, 2s base, 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Retryable reports whether the failure kind warrants another attempt.
// Parameters:
//   - kind: classified failure kind.
// Returns:
//   - bool: true for transient kinds only.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	return retryable[kind]
}

// Backoff returns the delay before the given retry.
// Parameters:
//   - attempt: 1-based index of the attempt that just failed.
// Returns:
//   - time.Duration: exponential delay, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// sleepFunc waits for the given duration or until the context is done.
// Injected so retry behavior is unit-testable without real delay.
type sleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
