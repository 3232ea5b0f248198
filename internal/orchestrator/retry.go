package orchestrator

import "time"

// RetryPolicy controls whether failed inventory/shipping steps are re-driven.
// The zero value is NoRetry, matching the admin-confirmed workflow where every
// retry is a manual re-trigger.
type RetryPolicy struct {
	// MaxAttempts is the retry budget. Zero disables retries entirely.
	MaxAttempts int
	// Delay is the fixed backoff before a scheduled re-attempt.
	Delay time.Duration

	// after schedules fn to run once the delay elapses. Injectable for tests;
	// defaults to time.AfterFunc so handlers never block.
	after func(d time.Duration, fn func())
}

// NoRetry is the policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// FixedBackoff retries up to maxAttempts times with a fixed delay between
// attempts.
func FixedBackoff(maxAttempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
}

// Enabled reports whether this policy ever retries.
func (p RetryPolicy) Enabled() bool {
	return p.MaxAttempts > 0
}

// Schedule runs fn after the policy's delay without blocking the caller.
func (p RetryPolicy) Schedule(fn func()) {
	after := p.after
	if after == nil {
		after = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	after(p.Delay, fn)
}
