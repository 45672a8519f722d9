package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/eventbus"
	"mediabot/internal/metrics"
	"mediabot/internal/plan"
	"mediabot/internal/retry"
	"mediabot/internal/transport"
)

var (
	userChat  = transport.ChatTarget{ChatID: 100}
	adminChat = transport.ChatTarget{ChatID: -1}
)

type sent struct {
	to   transport.ChatTarget
	text string
	sev  transport.Severity
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Notify(_ context.Context, to transport.ChatTarget, text string, sev transport.Severity) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, sent{to, text, sev})
	r.mu.Unlock()
	return nil
}

func (r *recorder) to(chat transport.ChatTarget) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.to == chat {
			out = append(out, m.text)
		}
	}
	return out
}

func fastRetry(maxRetries int) retry.Config {
	return retry.Config{MaxRetries: maxRetries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, NotifyUser: true}
}

func newService(t *testing.T, cfg Config, exec Executor, opts ...Option) (*Service, *metrics.Registry, *recorder) {
	t.Helper()
	m := metrics.New(false)
	rec := &recorder{}
	if cfg.Retry.MaxAttempts() == 1 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = fastRetry(2)
	}
	cfg.Admin = adminChat
	s := New(cfg, exec, append([]Option{WithMetrics(m), WithNotifier(rec)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, m, rec
}

func task(prio int) Task {
	return Task{UserID: 1, Chat: userChat, URL: "https://example.com/v", Kind: plan.KindAudio, Priority: prio}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	exec := ExecutorFunc(func(_ context.Context, tk Task) (Outcome, error) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return Outcome{}, nil
	})
	s, _, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, exec)

	for i, p := range []int{10, 50, 10, 50} {
		tk := task(p)
		tk.ID = []string{"a", "b", "c", "d"}[i]
		_, err := s.AddTask(tk)
		require.NoError(t, err)
	}
	s.Start(context.Background())

	waitFor(t, func() bool { return s.Snapshot().Succeeded == 4 })
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b", "d", "a", "c"}, order)
}

func TestQueueDepthTracksActiveTasks(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ Task) (Outcome, error) {
		select {
		case <-release:
			return Outcome{Bytes: 10}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	})
	s, m, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, exec)

	const n, done = 5, 2
	for range n {
		_, err := s.AddTask(task(50))
		require.NoError(t, err)
	}
	assert.Equal(t, float64(n), m.QueueDepthValue())

	s.Start(context.Background())
	for range done {
		release <- struct{}{}
	}
	waitFor(t, func() bool { return s.Snapshot().Succeeded == done })
	assert.Equal(t, float64(n-done), m.QueueDepthValue())
	assert.Equal(t, float64(done), m.DownloadsSucceeded())
	assert.Equal(t, float64(done*10), m.Downloaded())
}

func TestTransientFailureIsRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		if calls.Add(1) <= 2 {
			return Outcome{}, retry.Transient(errors.New("connection reset"))
		}
		return Outcome{}, nil
	})
	s, m, rec := newService(t, Config{Workers: 1, Retry: fastRetry(3), QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	waitFor(t, func() bool { return s.Snapshot().Succeeded == 1 })

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Retries)
	assert.Equal(t, float64(2), m.Retries())
	assert.Equal(t, float64(0), m.QueueDepthValue())
	require.Len(t, snap.History, 1)
	assert.Equal(t, 3, snap.History[0].Attempts)

	// Only the first retry is announced.
	user := rec.to(userChat)
	require.Len(t, user, 1)
	assert.Contains(t, user[0], "retrying")
	assert.Empty(t, rec.to(adminChat))
}

func TestRetryRejoinsQueueAsNewest(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		aCalls  int
		release = make(chan struct{})
	)
	exec := ExecutorFunc(func(ctx context.Context, tk Task) (Outcome, error) {
		mu.Lock()
		order = append(order, tk.ID)
		first := tk.ID == "a" && aCalls == 0
		if tk.ID == "a" {
			aCalls++
		}
		mu.Unlock()
		switch {
		case first:
			return Outcome{}, retry.Transient(errors.New("connection reset"))
		case tk.ID == "hold":
			select {
			case <-release:
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			}
		}
		return Outcome{}, nil
	})
	rc := retry.Config{MaxRetries: 2, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1}
	s, _, _ := newService(t, Config{Workers: 1, Retry: rc, QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	add := func(id string) {
		tk := task(50)
		tk.ID = id
		_, err := s.AddTask(tk)
		require.NoError(t, err)
	}
	add("a")
	waitFor(t, func() bool { return s.Snapshot().Retrying == 1 })
	add("hold")
	waitFor(t, func() bool { return s.Snapshot().Running == 1 })
	add("b")
	// Both the retried task and b wait behind hold.
	waitFor(t, func() bool { return s.Snapshot().Queued == 2 })
	close(release)

	waitFor(t, func() bool { return s.Snapshot().Succeeded == 3 })
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "hold", "b", "a"}, order)
}

func TestExhaustedTaskIsReportedAfterThreeAttempts(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, retry.Transient(errors.New("timeout <fetching>"))
	})
	s, m, rec := newService(t, Config{Workers: 1, Retry: fastRetry(2), QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })

	assert.Equal(t, float64(1), m.DownloadsFailed())
	assert.Equal(t, float64(0), m.QueueDepthValue())

	user := rec.to(userChat)
	require.Len(t, user, 2)
	assert.Contains(t, user[0], "retrying")
	assert.Contains(t, user[1], "failed after 3 attempt(s)")

	admin := rec.to(adminChat)
	require.Len(t, admin, 1)
	assert.Contains(t, admin[0], "<b>Attempts:</b> 3")
	assert.Contains(t, admin[0], "timeout &lt;fetching&gt;")
}

func TestShortFailureIsNotReported(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, retry.Transient(errors.New("connection reset"))
	})
	s, _, rec := newService(t, Config{Workers: 1, Retry: fastRetry(1), QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })
	assert.Empty(t, rec.to(adminChat))
}

type privateVideo struct{}

func (privateVideo) Error() string       { return "private video" }
func (privateVideo) Retryable() bool     { return false }
func (privateVideo) UserMessage() string { return "Video unavailable." }

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		calls.Add(1)
		return Outcome{}, privateVideo{}
	})
	s, _, rec := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })

	assert.Equal(t, int32(1), calls.Load())
	user := rec.to(userChat)
	require.Len(t, user, 1)
	assert.Contains(t, user[0], "Video unavailable.")
}

func TestPanicIsAFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) { panic("boom") })
	s, m, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })
	assert.Equal(t, float64(1), metrics.Value(m.Errors, map[string]string{"category": "panic"}))
}

func TestCancelQueuedTask(t *testing.T) {
	s, m, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	a, err := s.AddTask(task(50))
	require.NoError(t, err)
	_, err = s.AddTask(task(50))
	require.NoError(t, err)

	assert.True(t, s.Cancel(a.ID))
	assert.False(t, s.Cancel(a.ID))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, float64(1), m.QueueDepthValue())
	assert.Equal(t, uint64(1), s.Snapshot().Canceled)
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ Task) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	s, m, rec := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, exec)
	s.Start(context.Background())

	tk, err := s.AddTask(task(50))
	require.NoError(t, err)
	<-started
	assert.True(t, s.Cancel(tk.ID))

	waitFor(t, func() bool { return s.Snapshot().Canceled == 1 })
	assert.Equal(t, float64(0), m.QueueDepthValue())
	assert.Empty(t, rec.to(userChat))
}

func TestCancelUser(t *testing.T) {
	s, _, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	for _, uid := range []int64{1, 2, 1} {
		tk := task(10)
		tk.UserID = uid
		_, err := s.AddTask(tk)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.CancelUser(1))
	assert.Equal(t, 1, s.Len())
}

func TestQueuePositionNotice(t *testing.T) {
	s, _, rec := newService(t, Config{Workers: 1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	var last Task
	for range 5 {
		tk, err := s.AddTask(task(10))
		require.NoError(t, err)
		last = tk
	}
	user := rec.to(userChat)
	assert.Equal(t, []string{queueNotice(4), queueNotice(5)}, user)

	pos, ok := s.Position(last.ID)
	assert.True(t, ok)
	assert.Equal(t, 5, pos)

	// A higher priority task jumps ahead.
	vip, err := s.AddTask(task(100))
	require.NoError(t, err)
	pos, _ = s.Position(vip.ID)
	assert.Equal(t, 1, pos)
	pos, _ = s.Position(last.ID)
	assert.Equal(t, 6, pos)
}

func TestStaleTaskIsDropped(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()).UTC() }

	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		calls.Add(1)
		return Outcome{}, nil
	})
	s, m, rec := newService(t, Config{Workers: 1, MaxQueueDelay: time.Minute, QueueNoticeAfter: -1}, exec, WithClock(clock))

	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	now.Add(int64(2 * time.Minute))
	s.Start(context.Background())

	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, float64(1), metrics.Value(m.Errors, map[string]string{"category": "stale"}))
	assert.Equal(t, []string{staleNotice}, rec.to(userChat))
	assert.Empty(t, rec.to(adminChat))
}

func TestDownloaderDownAndUpHooks(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	exec := ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		if fail.Load() {
			return Outcome{}, retry.Transient(errors.New("network unreachable"))
		}
		return Outcome{}, nil
	})
	var down, up atomic.Int32
	hooks := Hooks{
		DownloaderDown: func(context.Context, int, error) { down.Add(1) },
		DownloaderUp:   func(context.Context) { up.Add(1) },
	}
	s, _, _ := newService(t, Config{Workers: 1, Retry: fastRetry(0), TripFailures: 2, QueueNoticeAfter: -1}, exec, WithHooks(hooks))
	s.Start(context.Background())

	for range 3 {
		_, err := s.AddTask(task(50))
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return s.Snapshot().Failed == 3 })
	assert.Equal(t, int32(1), down.Load())
	assert.True(t, s.Snapshot().DownloaderDown)

	fail.Store(false)
	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	waitFor(t, func() bool { return s.Snapshot().Succeeded == 1 })
	assert.Equal(t, int32(1), up.Load())
	assert.False(t, s.Snapshot().DownloaderDown)
}

func TestLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	s, _, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}), WithBus(bus))
	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	s.Start(context.Background())

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %s", strings.Join(types, ","))
		}
	}
	assert.Equal(t, []string{"task.queued", "task.started", "task.succeeded"}, types)
}

func TestAddAfterStop(t *testing.T) {
	s, m, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	_, err := s.AddTask(task(50))
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	_, err = s.AddTask(task(50))
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, float64(0), m.QueueDepthValue())
	assert.Equal(t, uint64(1), s.Snapshot().Canceled)
}

func TestStopTellsQueuedUsers(t *testing.T) {
	s, _, rec := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	other := transport.ChatTarget{ChatID: 200}
	for _, chat := range []transport.ChatTarget{userChat, userChat, other} {
		tk := task(50)
		tk.Chat = chat
		_, err := s.AddTask(tk)
		require.NoError(t, err)
	}
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{stopNotice}, rec.to(userChat))
	assert.Equal(t, []string{stopNotice}, rec.to(other))
	assert.Empty(t, rec.to(adminChat))
	assert.Equal(t, uint64(3), s.Snapshot().Canceled)
}

func TestDuplicateID(t *testing.T) {
	s, _, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	tk := task(50)
	tk.ID = "same"
	_, err := s.AddTask(tk)
	require.NoError(t, err)
	_, err = s.AddTask(tk)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPriorityIsClamped(t *testing.T) {
	s, _, _ := newService(t, Config{Workers: 1, QueueNoticeAfter: -1}, ExecutorFunc(func(context.Context, Task) (Outcome, error) {
		return Outcome{}, nil
	}))
	hi, err := s.AddTask(task(500))
	require.NoError(t, err)
	lo, err := s.AddTask(task(-5))
	require.NoError(t, err)
	assert.Equal(t, 100, hi.Priority)
	assert.Equal(t, 0, lo.Priority)
}
