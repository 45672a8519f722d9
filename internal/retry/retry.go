package retry

import (
	"context"
	"fmt"
	"time"
)

// Result reports the outcome of Do. Err is nil on success, an *ExhaustedError
// when attempts ran out (or the error was permanent), or the context error when
// the caller gave up during a backoff wait.
type Result[T any] struct {
	Value    T
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Observer receives one call per scheduled retry. attempt is the 1-based
// number of the attempt that just failed.
type Observer interface {
	ObserveRetry(attempt int)
}

// NoticeKind distinguishes the two user-facing retry messages.
type NoticeKind int

const (
	NoticeRetrying NoticeKind = iota + 1
	NoticeFailed
)

// Notice is delivered to the notify hook on the first retry and on final failure.
type Notice struct {
	Kind        NoticeKind
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
}

// Text renders the notice for an end user. what names the operation ("Download").
func (n Notice) Text(what string) string {
	if what == "" {
		what = "Request"
	}
	switch n.Kind {
	case NoticeRetrying:
		return fmt.Sprintf("⚠️ %s failed, retrying... (attempt %d/%d)", what, n.Attempt+1, n.MaxAttempts)
	default:
		return fmt.Sprintf("❌ %s failed after %d attempt(s). Please try again later.", what, n.Attempt)
	}
}

// NoticeFor returns the notice due after a failed attempt, if any.
// Users hear about the first retry and the final failure only.
func NoticeFor(cfg Config, attempt int, willRetry bool, delay time.Duration, err error) (Notice, bool) {
	if !cfg.NotifyUser {
		return Notice{}, false
	}
	switch {
	case willRetry && attempt == 1:
		return Notice{Kind: NoticeRetrying, Attempt: attempt, MaxAttempts: cfg.MaxAttempts(), Delay: delay, Err: err}, true
	case !willRetry:
		return Notice{Kind: NoticeFailed, Attempt: attempt, MaxAttempts: cfg.MaxAttempts(), Err: err}, true
	}
	return Notice{}, false
}

// Next decides whether a failure on attempt (1-based) gets another attempt,
// and after which delay. It is shared by Do and the task scheduler.
func Next(cfg Config, attempt int, err error) (time.Duration, bool) {
	if attempt > cfg.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	if hint, ok := RetryAfterHint(err); ok {
		return hint, true
	}
	return cfg.Delay(attempt - 1), true
}

type options struct {
	observer Observer
	notify   func(context.Context, Notice)
	sleep    func(context.Context, time.Duration) error
}

type Option func(*options)

// WithObserver counts retries (task_retries_total{attempt}).
func WithObserver(o Observer) Option { return func(opt *options) { opt.observer = o } }

// WithNotify installs the end-user notification hook. It only fires when the
// profile has NotifyUser set.
func WithNotify(fn func(ctx context.Context, n Notice)) Option {
	return func(opt *options) { opt.notify = fn }
}

// WithSleep replaces the backoff wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(opt *options) { opt.sleep = fn }
}

// Do runs op until it succeeds, fails permanently or uses MaxRetries+1 attempts.
// Per-attempt timeouts belong inside op.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error), opts ...Option) Result[T] {
	o := options{sleep: Sleep}
	for _, fn := range opts {
		fn(&o)
	}
	start := time.Now()

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return Result[T]{Value: v, Attempts: attempt, Elapsed: time.Since(start)}
		}

		delay, again := Next(cfg, attempt, err)
		if n, ok := NoticeFor(cfg, attempt, again, delay, err); ok && o.notify != nil {
			o.notify(ctx, n)
		}
		if !again {
			return Result[T]{
				Attempts: attempt,
				Elapsed:  time.Since(start),
				Err:      &ExhaustedError{MaxRetries: cfg.MaxRetries, Attempts: attempt, Last: err},
			}
		}
		if o.observer != nil {
			o.observer.ObserveRetry(attempt)
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			return Result[T]{Attempts: attempt, Elapsed: time.Since(start), Err: serr}
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
