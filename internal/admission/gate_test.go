package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/plan"
	"mediabot/internal/ratelimit"
	"mediabot/internal/task/engine"
)

type queue struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (q *queue) AddTask(t engine.Task) (engine.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return engine.Task{}, q.err
	}
	t.ID = "t" + string(rune('0'+len(q.tasks)))
	q.tasks = append(q.tasks, t)
	return t, nil
}

type brokenStore struct{}

func (brokenStore) Admit(context.Context, int64, ratelimit.Request) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}
func (brokenStore) Peek(context.Context, int64) (ratelimit.State, error) {
	return ratelimit.State{}, nil
}
func (brokenStore) Reset(context.Context, int64) error { return nil }

func newGate(t *testing.T, store ratelimit.Store, now func() time.Time) (*Gate, *queue) {
	t.Helper()
	plans, err := plan.NewRegistry(plan.Free, plan.Builtin()...)
	require.NoError(t, err)
	q := &queue{}
	return New(plans, ratelimit.New(store, ratelimit.WithClock(now)), q), q
}

func req(user int64, kind plan.Kind) engine.Task {
	return engine.Task{UserID: user, URL: "https://example.com/v", Kind: kind, Quality: "1080p", Bitrate: "320k", Priority: 99}
}

func TestAdmitStampsPlanPriority(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	g, q := newGate(t, ratelimit.NewMemoryStore(0), func() time.Time { return now })

	res, err := g.Admit(context.Background(), req(1, plan.KindVideo), plan.VIP)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, 100, res.Task.Priority)
	assert.Equal(t, "1080p", res.Task.Quality)
	assert.Equal(t, int64(200<<20), res.Task.MaxBytes)

	res, err = g.Admit(context.Background(), req(2, plan.KindAudio), plan.Free)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, 0, res.Task.Priority)
	assert.Equal(t, int64(49<<20), res.Task.MaxBytes)
	assert.Empty(t, res.Task.Quality)
	assert.Empty(t, res.Task.Bitrate)
	assert.Len(t, q.tasks, 2)
}

func TestUnknownPlanFallsBackToDefault(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	g, _ := newGate(t, ratelimit.NewMemoryStore(0), func() time.Time { return now })

	res, err := g.Admit(context.Background(), req(1, plan.KindSubtitle), "gold")
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonKindNotAllowed, res.Reason)
	assert.Equal(t, plan.Free, res.Plan.Name)
}

func TestIntervalDenial(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	g, q := newGate(t, ratelimit.NewMemoryStore(0), func() time.Time { return now })
	ctx := context.Background()

	assert.True(t, g.AddTask(ctx, req(1, plan.KindAudio), plan.Free))
	now = now.Add(10 * time.Second)
	res, err := g.Admit(ctx, req(1, plan.KindAudio), plan.Free)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, ReasonInterval, res.Reason)
	assert.Equal(t, 20*time.Second, res.RetryAfter)
	assert.Equal(t, "⏳ Please wait 20s before the next request.", Explain(res))
	assert.Len(t, q.tasks, 1)
}

func TestDailyQuota(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	g, q := newGate(t, ratelimit.NewMemoryStore(0), func() time.Time { return now })
	ctx := context.Background()

	for range 5 {
		assert.True(t, g.AddTask(ctx, req(1, plan.KindAudio), plan.Free))
		now = now.Add(time.Minute)
	}
	res, err := g.Admit(ctx, req(1, plan.KindAudio), plan.Free)
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyQuota, res.Reason)
	assert.Equal(t, 5, res.UsedToday)
	assert.Contains(t, Explain(res), "all 5 downloads")
	assert.Len(t, q.tasks, 5)

	// Premium has no daily quota.
	for range 10 {
		assert.True(t, g.AddTask(ctx, req(2, plan.KindAudio), plan.Premium))
		now = now.Add(time.Minute)
	}
}

func TestLimiterFailureAdmits(t *testing.T) {
	t.Parallel()
	g, q := newGate(t, brokenStore{}, time.Now)

	assert.True(t, g.AddTask(context.Background(), req(1, plan.KindAudio), plan.Free))
	assert.Len(t, q.tasks, 1)
}

func TestSchedulerErrorIsReturned(t *testing.T) {
	t.Parallel()
	g, q := newGate(t, ratelimit.NewMemoryStore(0), time.Now)
	q.err = engine.ErrStopped

	_, err := g.Admit(context.Background(), req(1, plan.KindAudio), plan.Free)
	assert.True(t, IsStopped(err))
	assert.False(t, g.AddTask(context.Background(), req(2, plan.KindAudio), plan.Free))
}

func TestRoundUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3*time.Second, roundUp(2100*time.Millisecond))
	assert.Equal(t, 2*time.Minute, roundUp(61*time.Second))
	assert.Equal(t, time.Duration(0), roundUp(-time.Second))
}
