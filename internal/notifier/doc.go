// Package notifier delivers chat messages asynchronously.
//
// Notify enqueues and returns; a small worker pool drains the queue through a
// token bucket and retries transient send failures with the configured retry
// profile. Platform rate-limit replies (Telegram 429) carry a retry-after hint
// which replaces the computed backoff.
//
// # History
//
// The service keeps a small in-memory history of delivered messages for
// debugging and the daily report.
package notifier
