package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct{ attempts []int }

func (c *countingObserver) ObserveRetry(attempt int) { c.attempts = append(c.attempts, attempt) }

func noSleep(slept *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		if slept != nil {
			*slept = append(*slept, d)
		}
		return nil
	})
}

func TestDelayIsCappedExponential(t *testing.T) {
	t.Parallel()

	cfg := Config{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, cfg.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayIsMonotonicAndBounded(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"default", "network", "rate_limit", "quick", "aggressive"} {
		cfg, err := Profile(name)
		require.NoError(t, err)
		cfg.Jitter = false
		prev := time.Duration(0)
		for attempt := 0; attempt < 20; attempt++ {
			d := cfg.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "%s attempt %d", name, attempt)
			assert.LessOrEqual(t, d, cfg.MaxDelay, "%s attempt %d", name, attempt)
			prev = d
		}
	}
}

func TestDelayJitterStaysWithinQuarter(t *testing.T) {
	t.Parallel()

	cfg := Config{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 4 * time.Second, Jitter: true}
	for i := 0; i < 200; i++ {
		d := cfg.Delay(5)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	res := Do(context.Background(), Quick(), func(context.Context) (int, error) { return 42, nil })
	require.True(t, res.OK())
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 1, res.Attempts)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	obs := &countingObserver{}
	var slept []time.Duration
	cfg := Config{MaxRetries: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}

	res := Do(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("flaky"))
		}
		return "done", nil
	}, WithObserver(obs), noSleep(&slept))

	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2}, obs.attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDoExhaustsAfterMaxRetriesPlusOne(t *testing.T) {
	t.Parallel()

	calls := 0
	cfg := Config{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	last := Transient(errors.New("still down"))

	res := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, last
	}, noSleep(nil))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
	require.ErrorIs(t, res.Err, ErrExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, res.Err, &ex)
	assert.Equal(t, 2, ex.MaxRetries)
	assert.ErrorIs(t, ex, last)
}

func TestDoStopsOnPermanentErrorWithoutSleeping(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	calls := 0
	res := Do(context.Background(), Aggressive(), func(context.Context) (int, error) {
		calls++
		return 0, NoRetry(errors.New("invalid url"))
	}, noSleep(&slept))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, slept)
	assert.ErrorIs(t, res.Err, ErrExhausted)
}

func TestDoHonoursRetryAfterHint(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	calls := 0
	res := Do(context.Background(), Default(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, RetryAfter(errors.New("flood"), 7*time.Second)
		}
		return 1, nil
	}, noSleep(&slept))

	require.NoError(t, res.Err)
	assert.Equal(t, []time.Duration{7 * time.Second}, slept)
}

func TestDoReturnsContextErrorDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxRetries: 5, InitialDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}
	res := Do(ctx, cfg, func(context.Context) (int, error) { return 0, Transient(errors.New("x")) })
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}

func TestDoNotifiesFirstRetryAndFinalFailureOnly(t *testing.T) {
	t.Parallel()

	var notices []Notice
	cfg := Config{MaxRetries: 4, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, NotifyUser: true}
	res := Do(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, Transient(errors.New("down"))
	}, noSleep(nil), WithNotify(func(_ context.Context, n Notice) { notices = append(notices, n) }))

	require.Error(t, res.Err)
	require.Len(t, notices, 2)
	assert.Equal(t, NoticeRetrying, notices[0].Kind)
	assert.Equal(t, "⚠️ Download failed, retrying... (attempt 2/5)", notices[0].Text("Download"))
	assert.Equal(t, NoticeFailed, notices[1].Kind)
	assert.Equal(t, 5, notices[1].Attempt)

	notices = nil
	cfg.NotifyUser = false
	Do(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, Transient(errors.New("down"))
	}, noSleep(nil), WithNotify(func(_ context.Context, n Notice) { notices = append(notices, n) }))
	assert.Empty(t, notices)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryableClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
		cat  string
	}{
		{"nil", nil, false, ""},
		{"no retry marker", NoRetry(errors.New("timeout")), false, "other"},
		{"transient marker", Transient(errors.New("odd")), true, "network"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "canceled"},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true, "timeout"},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true, "network"},
		{"429", &StatusError{Code: 429}, true, "rate_limit"},
		{"503", &StatusError{Code: 503}, true, "server"},
		{"404", &StatusError{Code: 404}, false, "client"},
		{"message pattern", errors.New("service temporarily unavailable"), true, "network"},
		{"validation", errors.New("unsupported format"), false, "other"},
		{"categorized", WithCategory(NoRetry(errors.New("gone")), "unavailable"), false, "unavailable"},
		{"retry after", RetryAfter(errors.New("slow down"), time.Second), true, "rate_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsRetryable(tc.err))
			assert.Equal(t, tc.cat, Category(tc.err))
		})
	}
}

func TestNextUsesSharedBound(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxRetries: 2, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	err := Transient(errors.New("x"))

	d, ok := Next(cfg, 1, err)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	d, ok = Next(cfg, 2, err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
	_, ok = Next(cfg, 3, err)
	assert.False(t, ok)
}

func TestProfileLookup(t *testing.T) {
	t.Parallel()

	cfg, err := Profile("network")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 6, cfg.MaxAttempts())

	_, err = Profile("nope")
	assert.Error(t, err)
}
