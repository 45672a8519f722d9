// Package retry re-runs failure-prone operations with exponential backoff.
//
// Errors decide their own fate: anything implementing Retryable (or wrapped
// with NoRetry, Transient or RetryAfter) is classified directly, and common
// transport failures are recognised by IsRetryable. The same decision function
// (Next) drives both Do and the task scheduler's re-queue path.
package retry
