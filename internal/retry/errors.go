package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrExhausted matches every *ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retry: max retries exhausted")

// Retryable is implemented by errors that know whether another attempt may succeed.
type Retryable interface {
	error
	Retryable() bool
}

// RetryAfterError is implemented by errors that carry a server-provided delay.
// The hint replaces the computed backoff.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Categorized is implemented by errors that name their own error category.
type Categorized interface {
	error
	Category() string
}

// ExhaustedError is the terminal failure of Do.
type ExhaustedError struct {
	MaxRetries int
	Attempts   int
	Last       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s) (max retries %d): %v", e.Attempts, e.MaxRetries, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

type markedError struct {
	err       error
	retryable bool
}

func (e markedError) Error() string   { return e.err.Error() }
func (e markedError) Unwrap() error   { return e.err }
func (e markedError) Retryable() bool { return e.retryable }

// NoRetry marks err as permanent.
//
//	return retry.NoRetry(fmt.Errorf("bad url: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return markedError{err: err}
}

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return markedError{err: err, retryable: true}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) Retryable() bool           { return true }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
func (e retryAfterError) Category() string          { return "rate_limit" }

// RetryAfter marks err as retryable after at least d.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(d, 0)}
}

type categorizedError struct {
	err error
	cat string
}

func (e categorizedError) Error() string    { return e.err.Error() }
func (e categorizedError) Unwrap() error    { return e.err }
func (e categorizedError) Category() string { return e.cat }

// WithCategory tags err with a metrics category. Retryability is unchanged.
func WithCategory(err error, category string) error {
	if err == nil {
		return nil
	}
	return categorizedError{err: err, cat: category}
}

// StatusError is a response status from a remote service.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Msg)
}

func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"network",
	"temporarily unavailable",
}

// IsRetryable classifies err. Explicit markers win; then well-known transport
// failures; then message patterns. Anything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EPIPE, syscall.ETIMEDOUT, syscall.EAGAIN} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryAfterHint returns the server-provided delay carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

// Category names the error class used for the errors_total metric.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return "rate_limit"
		case se.Code >= 500:
			return "server"
		default:
			return "client"
		}
	}
	if IsRetryable(err) {
		return "network"
	}
	return "other"
}
