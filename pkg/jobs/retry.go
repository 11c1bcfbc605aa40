package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atmigrate/migrator/pkg/migerr"
)

// RetryPolicy captures the error-class backoff rules of spec.md §4.2 and §7.
type RetryPolicy struct {
	MaxAttempts int
	NextDelay   func(attempt int) time.Duration
}

// exponentialDelay builds a bounded, jittered exponential backoff sequence
// using cenkalti/backoff/v4's ExponentialBackOff. Jobs are redelivered
// across process restarts rather than held in memory, so instead of
// keeping one live BackOff instance we construct a fresh one per decision
// and fast-forward it to the requested attempt via repeated NextBackOff
// calls — this keeps the jittered, capped shape of the library's algorithm
// without requiring a long-lived per-job object.
func exponentialDelay(initial time.Duration, multiplier float64, maxDelay time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.Multiplier = multiplier
		b.MaxInterval = maxDelay
		b.RandomizationFactor = 0.2
		b.Reset()

		delay := b.NextBackOff()
		for i := 0; i < attempt; i++ {
			delay = b.NextBackOff()
		}
		if delay == backoff.Stop || delay > maxDelay {
			return maxDelay
		}
		return delay
	}
}

// polynomialDelay grows as initial * attempt^2, capped at maxDelay — used
// for RateLimitExceeded, which spec.md §4.2 asks for a gentler ramp than
// plain exponential plus a higher attempt budget.
func polynomialDelay(initial, maxDelay time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		n := float64(attempt + 1)
		d := time.Duration(float64(initial) * n * n)
		if d > maxDelay {
			return maxDelay
		}
		return d
	}
}

// PoliciesForPhase returns the per-error-class retry policy for a normal
// (non-critical-queue) phase job, per spec.md §4.2.
func PoliciesForPhase(heavyUpload bool) map[migerr.Kind]RetryPolicy {
	networkTimeoutAttempts := 3
	if heavyUpload {
		networkTimeoutAttempts = 7 // large repo/blob upload gets more attempts
	}

	return map[migerr.Kind]RetryPolicy{
		migerr.KindRateLimit: {
			MaxAttempts: 5,
			NextDelay:   polynomialDelay(2*time.Second, 2*time.Minute),
		},
		migerr.KindNetwork: {
			MaxAttempts: networkTimeoutAttempts,
			NextDelay:   exponentialDelay(2*time.Second, 2.0, 2*time.Minute),
		},
		migerr.KindTimeout: {
			MaxAttempts: networkTimeoutAttempts,
			NextDelay:   exponentialDelay(2*time.Second, 2.0, 2*time.Minute),
		},
		migerr.KindAuthentication: {
			MaxAttempts: 3,
			NextDelay:   exponentialDelay(1*time.Second, 2.0, 30*time.Second),
		},
		migerr.KindAccountExists: {
			MaxAttempts: 1, // no retry: discarded, surfaced as fatal
			NextDelay:   func(int) time.Duration { return 0 },
		},
		migerr.KindProtocol: {
			MaxAttempts: 3,
			NextDelay:   exponentialDelay(2*time.Second, 2.0, time.Minute),
		},
		migerr.KindValidation: {
			MaxAttempts: 1,
			NextDelay:   func(int) time.Duration { return 0 },
		},
		migerr.KindFatalUnknown: {
			MaxAttempts: 3,
			NextDelay:   exponentialDelay(2*time.Second, 2.0, time.Minute),
		},
	}
}

// PoliciesForCriticalPhase overrides the above for the two point-of-no-return
// phases (directory submit, activation), per spec.md §4.2/§7: one attempt on
// generic errors, three on rate limits, and Protocol failures are NOT retried
// — they fail immediately and alert.
func PoliciesForCriticalPhase() map[migerr.Kind]RetryPolicy {
	p := PoliciesForPhase(false)
	p[migerr.KindRateLimit] = RetryPolicy{
		MaxAttempts: 3,
		NextDelay:   polynomialDelay(2*time.Second, time.Minute),
	}
	p[migerr.KindProtocol] = RetryPolicy{
		MaxAttempts: 1,
		NextDelay:   func(int) time.Duration { return 0 },
	}
	p[migerr.KindNetwork] = RetryPolicy{MaxAttempts: 1, NextDelay: func(int) time.Duration { return 0 }}
	p[migerr.KindFatalUnknown] = RetryPolicy{MaxAttempts: 1, NextDelay: func(int) time.Duration { return 0 }}
	return p
}

// Decide returns (delay, shouldRetry) for the given error and attempt number
// (1-indexed: the attempt that just failed), selecting the policy set by
// queue criticality.
func Decide(err error, attempt int, critical bool) (time.Duration, bool) {
	policies := PoliciesForPhase(false)
	if critical {
		policies = PoliciesForCriticalPhase()
	}
	kind := migerr.KindOf(err)
	policy, ok := policies[kind]
	if !ok {
		policy = policies[migerr.KindFatalUnknown]
	}
	if !migerr.IsRetryable(err) {
		return 0, false
	}
	if attempt+1 >= policy.MaxAttempts {
		return 0, false
	}
	return policy.NextDelay(attempt), true
}
