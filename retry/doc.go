// Package retry implements the per-step backoff and attempt-limit policy:
// exponential backoff with a cap and jitter for transient failures,
// immediate give-up for non-retryable error classes.
package retry
