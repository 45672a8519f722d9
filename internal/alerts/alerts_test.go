package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/internal/metrics"
	"mediabot/internal/storage"
	"mediabot/internal/transport"
)

var admin = transport.ChatTarget{ChatID: -100}

type inbox struct {
	mu   sync.Mutex
	msgs []string
	sevs []transport.Severity
	fail error
}

func (b *inbox) Notify(_ context.Context, _ transport.ChatTarget, text string, sev transport.Severity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.msgs = append(b.msgs, text)
	b.sevs = append(b.sevs, sev)
	return nil
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *inbox) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return ""
	}
	return b.msgs[len(b.msgs)-1]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *inbox, *clock, *storage.MemoryStore) {
	t.Helper()
	box := &inbox{}
	clk := newClock()
	store := storage.NewMemory(100)
	m := NewManager(box, admin, WithClock(clk.now), WithStore(store), WithMetrics(metrics.New(false)))
	return m, box, clk, store
}

func errorRate() Alert {
	return Alert{Type: TypeHighErrorRate, Severity: transport.SeverityCritical, Title: "High error rate", Message: "x"}
}

func TestThrottleWindows(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Minute, TypeHighErrorRate.ThrottleWindow())
	assert.Equal(t, time.Duration(0), TypePaymentFailure.ThrottleWindow())
	assert.Equal(t, time.Duration(0), TypeUserComplaint.ThrottleWindow())
	assert.Equal(t, time.Hour, TypeLowConversion.ThrottleWindow())
	assert.False(t, Type("nope").Valid())
}

func TestHighErrorRateIsThrottled(t *testing.T) {
	t.Parallel()
	m, box, clk, _ := newManager(t)
	ctx := context.Background()

	sent, err := m.Send(ctx, errorRate())
	require.NoError(t, err)
	assert.True(t, sent)

	clk.advance(10 * time.Minute)
	sent, err = m.Send(ctx, errorRate())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, box.len())
	assert.False(t, m.ShouldSend(TypeHighErrorRate))

	clk.advance(20 * time.Minute)
	assert.True(t, m.ShouldSend(TypeHighErrorRate))
	sent, _ = m.Send(ctx, errorRate())
	assert.True(t, sent)
	assert.Equal(t, 2, box.len())
}

func TestPaymentFailureIsNeverThrottled(t *testing.T) {
	t.Parallel()
	m, box, _, _ := newManager(t)
	ctx := context.Background()

	for range 2 {
		sent, err := m.PaymentFailure(ctx, "premium", "card declined")
		require.NoError(t, err)
		assert.True(t, sent)
	}
	assert.Equal(t, 2, box.len())
	assert.Contains(t, box.last(), "card declined")
}

func TestResolveSendsOnce(t *testing.T) {
	t.Parallel()
	m, box, _, store := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Evaluate(ctx, true, errorRate()))
	assert.True(t, m.IsActive(TypeHighErrorRate))
	assert.Len(t, m.Active(), 1)

	require.NoError(t, m.Evaluate(ctx, false, errorRate()))
	assert.False(t, m.IsActive(TypeHighErrorRate))
	assert.Equal(t, 2, box.len())
	assert.Contains(t, box.last(), "Alert resolved")

	require.NoError(t, m.Evaluate(ctx, false, errorRate()))
	assert.Equal(t, 2, box.len())

	rows, err := store.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "high_error_rate", rows[0].Type)
	assert.True(t, rows[0].Resolved())
}

func TestFailedDeliveryDoesNotThrottle(t *testing.T) {
	t.Parallel()
	m, box, _, _ := newManager(t)
	ctx := context.Background()

	box.fail = errors.New("queue full")
	sent, err := m.Send(ctx, errorRate())
	assert.Error(t, err)
	assert.False(t, sent)
	assert.False(t, m.IsActive(TypeHighErrorRate))

	box.fail = nil
	sent, err = m.Send(ctx, errorRate())
	require.NoError(t, err)
	assert.True(t, sent)
}

type brokenStore struct{}

func (brokenStore) AppendAlert(context.Context, storage.AlertRecord) (int64, error) {
	return 0, errors.New("disk I/O error")
}
func (brokenStore) ResolveAlert(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestHistoryFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	box := &inbox{}
	m := NewManager(box, admin, WithStore(brokenStore{}))
	ctx := context.Background()

	sent, err := m.Send(ctx, errorRate())
	require.NoError(t, err)
	assert.True(t, sent)
	ok, err := m.Resolve(ctx, TypeHighErrorRate)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	a := Alert{
		Type:        TypeQueueBackup,
		Severity:    transport.SeverityWarning,
		Title:       "Queue <backup>",
		Message:     "depth 60",
		Details:     "a & b",
		TriggeredAt: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC),
	}
	out := a.Format()
	assert.True(t, strings.HasPrefix(out, "<b>WARNING ALERT</b>"))
	assert.Contains(t, out, "<b>Queue &lt;backup&gt;</b>")
	assert.Contains(t, out, "<b>Details:</b>\na &amp; b")
	assert.Contains(t, out, "Triggered: 2026-03-01 09:05:00 UTC")
	assert.Contains(t, a.FormatResolved(), "Queue &lt;backup&gt;")
}

func newMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, *metrics.Registry, *inbox, *clock) {
	t.Helper()
	box := &inbox{}
	clk := newClock()
	reg := metrics.New(false)
	mgr := NewManager(box, admin, WithClock(clk.now))
	return NewMonitor(cfg, mgr, reg), reg, box, clk
}

func TestMonitorSkipsErrorRateBelowMinSamples(t *testing.T) {
	t.Parallel()
	mon, reg, box, clk := newMonitor(t, MonitorConfig{})

	for range 9 {
		reg.DownloadFailed("audio", "network")
	}
	clk.advance(time.Minute)
	mon.Check(context.Background())
	assert.Equal(t, 0, box.len())

	reg.DownloadFailed("audio", "network")
	clk.advance(time.Minute)
	mon.Check(context.Background())
	require.Equal(t, 1, box.len())
	assert.Contains(t, box.last(), "High error rate")
	assert.Contains(t, box.last(), "Affected: 10/10")
}

func TestMonitorErrorRateFiresAndResolves(t *testing.T) {
	t.Parallel()
	mon, reg, box, clk := newMonitor(t, MonitorConfig{ErrorWindow: time.Hour})
	ctx := context.Background()

	for range 90 {
		reg.DownloadSucceeded("video", 1)
	}
	for range 10 {
		reg.DownloadFailed("video", "network")
	}
	clk.advance(time.Minute)
	mon.Check(ctx)
	require.True(t, mon.mgr.IsActive(TypeHighErrorRate))

	// Two hours of clean traffic push the failures out of the window.
	clk.advance(2 * time.Hour)
	mon.Check(ctx)
	for range 20 {
		reg.DownloadSucceeded("video", 1)
	}
	clk.advance(time.Minute)
	mon.Check(ctx)

	assert.False(t, mon.mgr.IsActive(TypeHighErrorRate))
	assert.Equal(t, 2, box.len())
	assert.Contains(t, box.last(), "Alert resolved")
}

func TestMonitorQueueBackup(t *testing.T) {
	t.Parallel()
	mon, reg, box, _ := newMonitor(t, MonitorConfig{QueueDepthThreshold: 3})
	ctx := context.Background()

	for range 4 {
		reg.TaskQueued(50)
	}
	mon.Check(ctx)
	require.Equal(t, 1, box.len())
	assert.Contains(t, box.last(), "Current queue depth: 4 tasks (threshold: 3)")

	reg.TaskDone(50)
	mon.Check(ctx)
	assert.Equal(t, 2, box.len())
	assert.False(t, mon.mgr.IsActive(TypeQueueBackup))
}

func TestMonitorRetryRate(t *testing.T) {
	t.Parallel()
	mon, reg, box, clk := newMonitor(t, MonitorConfig{})

	for range 10 {
		reg.DownloadSucceeded("audio", 1)
	}
	for range 4 {
		reg.ObserveRetry(1)
	}
	clk.advance(time.Minute)
	mon.Check(context.Background())
	require.Equal(t, 1, box.len())
	assert.Contains(t, box.last(), "High retry rate")
	assert.Equal(t, transport.SeverityWarning, box.sevs[0])
}

func TestMonitorTimeoutRate(t *testing.T) {
	t.Parallel()
	mon, reg, box, clk := newMonitor(t, MonitorConfig{ErrorRateThreshold: 50})

	for range 7 {
		reg.DownloadSucceeded("video", 1)
	}
	for range 3 {
		reg.DownloadFailed("video", "timeout")
	}
	clk.advance(time.Minute)
	mon.Check(context.Background())
	require.Equal(t, 1, box.len())
	assert.Contains(t, box.last(), "High timeout rate")
	assert.Contains(t, box.last(), "30.0% of downloads timed out")
	assert.True(t, mon.mgr.IsActive(TypeHighTimeoutRate))
}

func TestMonitorDisk(t *testing.T) {
	t.Parallel()
	mon, _, box, _ := newMonitor(t, MonitorConfig{DiskPath: "/data", DiskMinFreePercent: 10})
	free := uint64(4)
	mon.disk = func(string) (DiskUsage, error) { return DiskUsage{Total: 100 << 30, Free: free << 30}, nil }
	ctx := context.Background()

	mon.Check(ctx)
	require.Equal(t, 1, box.len())
	assert.Contains(t, box.last(), "4.0 GiB free of 100 GiB")
	assert.Equal(t, transport.SeverityCritical, box.sevs[0])

	free = 50
	mon.Check(ctx)
	assert.Equal(t, 2, box.len())
	assert.False(t, mon.mgr.IsActive(TypeLowDiskSpace))
}

func TestCounterWindow(t *testing.T) {
	t.Parallel()
	w := newCounterWindow(time.Hour)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	w.add(t0, counters{failed: 0})
	w.add(t0.Add(30*time.Minute), counters{failed: 5})
	assert.Equal(t, 5.0, w.delta().failed)

	w.add(t0.Add(90*time.Minute), counters{failed: 7})
	// The 30m sample is now the baseline.
	assert.Equal(t, 2.0, w.delta().failed)
	assert.Len(t, w.samples, 2)
}
