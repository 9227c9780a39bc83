package queue

import "errors"

// Failure taxonomy surfaced to callers and recorded on jobs.
var (
	// ErrChannelUnavailable marks a job whose channel has no registered
	// implementation. Terminal, never retried.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrDeliveryFailed marks a failed send attempt. Retried per policy.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrTimeout marks an attempt that exceeded its processing budget.
	// Retried per policy.
	ErrTimeout = errors.New("delivery timed out")
	// ErrExhaustedRetries marks a job that failed on its final attempt.
	ErrExhaustedRetries = errors.New("retries exhausted")
)
