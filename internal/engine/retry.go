package engine

import (
	"context"
	"time"

	"github.com/kilnci/kiln/pkg/schema"
)

// maxAttempts returns the attempt budget for a policy. A nil policy or a
// non-positive max_attempts means a single attempt, no retry.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts
}

// ComputeBackoff calculates the delay after the given failed attempt
// (1-based). Constant backoff waits min_delay every time; linear scales it by
// the attempt number; exponential doubles it per attempt. Linear and
// exponential delays are capped at max_delay when set.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.MinDelay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.MinDelay)
	if err != nil {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt)
	default: // constant or unset
		return base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay, returning early if the
// context is cancelled or the run's cancel channel closes.
func WaitForBackoff(ctx context.Context, delay time.Duration, cancelled <-chan struct{}) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-cancelled:
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff")
	case <-ctx.Done():
		return ctx.Err()
	}
}
