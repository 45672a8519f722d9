package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"mediabot/internal/metrics"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

// MonitorConfig holds the periodic check thresholds. Rates are percentages.
type MonitorConfig struct {
	// Paused skips the periodic checks. Direct alerts still go out.
	Paused              bool
	Interval            time.Duration
	ErrorRateThreshold  float64
	QueueDepthThreshold int
	RetryRateThreshold  float64
	// TimeoutRateThreshold is the share of finished downloads that failed by
	// timing out.
	TimeoutRateThreshold float64
	// ErrorWindow is the trailing window of the error and retry rates.
	ErrorWindow time.Duration
	// MinSamples skips a rate check when fewer downloads finished in the window.
	MinSamples int
	// DiskPath enables the disk check when set.
	DiskPath           string
	DiskMinFreePercent float64
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 5
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = 50
	}
	if c.RetryRateThreshold <= 0 {
		c.RetryRateThreshold = 30
	}
	if c.TimeoutRateThreshold <= 0 {
		c.TimeoutRateThreshold = 20
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = time.Hour
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.DiskMinFreePercent <= 0 {
		c.DiskMinFreePercent = 10
	}
	return c
}

// DiskUsage is the capacity of the filesystem holding a path.
type DiskUsage struct {
	Total uint64
	Free  uint64
}

func (d DiskUsage) FreePercent() float64 {
	if d.Total == 0 {
		return 100
	}
	return float64(d.Free) / float64(d.Total) * 100
}

// Monitor runs the periodic checks against a metrics registry.
type Monitor struct {
	mgr     *Manager
	metrics *metrics.Registry
	log     logx.Logger
	now     func() time.Time

	mu     sync.Mutex
	cfg    MonitorConfig
	window *counterWindow
	disk   func(path string) (DiskUsage, error)
}

func NewMonitor(cfg MonitorConfig, mgr *Manager, reg *metrics.Registry) *Monitor {
	m := &Monitor{
		mgr:     mgr,
		metrics: reg,
		log:     mgr.log,
		now:     mgr.now,
		cfg:     cfg.withDefaults(),
		disk:    diskUsage,
	}
	m.window = newCounterWindow(m.cfg.ErrorWindow)
	m.window.add(m.now(), m.sample())
	return m
}

// Apply swaps thresholds. A new ErrorWindow restarts the rate history.
func (m *Monitor) Apply(cfg MonitorConfig) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ErrorWindow != m.cfg.ErrorWindow {
		m.window = newCounterWindow(cfg.ErrorWindow)
		m.window.add(m.now(), m.sample())
	}
	m.cfg = cfg
}

func (m *Monitor) config() MonitorConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Run checks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.config().Interval
	t := time.NewTicker(interval)
	defer t.Stop()
	m.log.Info("alert monitor started", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !m.config().Paused {
				m.Check(ctx)
			}
			if iv := m.config().Interval; iv != interval {
				interval = iv
				t.Reset(interval)
			}
		}
	}
}

// Check runs one round: error rate, queue depth, retry rate, timeout rate
// and disk space.
func (m *Monitor) Check(ctx context.Context) {
	cfg := m.config()
	cur := m.sample()

	m.mu.Lock()
	m.window.add(m.now(), cur)
	delta := m.window.delta()
	m.mu.Unlock()

	m.report("error_rate", m.checkErrorRate(ctx, cfg, delta))
	m.report("queue_depth", m.checkQueueDepth(ctx, cfg))
	m.report("retry_rate", m.checkRetryRate(ctx, cfg, delta))
	m.report("timeout_rate", m.checkTimeoutRate(ctx, cfg, delta))
	if cfg.DiskPath != "" {
		m.report("disk", m.checkDisk(ctx, cfg))
	}
}

func (m *Monitor) report(check string, err error) {
	if err == nil {
		return
	}
	m.log.Warn("alert check failed", logx.String("check", check), logx.Err(err))
}

func (m *Monitor) checkErrorRate(ctx context.Context, cfg MonitorConfig, d counters) error {
	total := d.succeeded + d.failed
	if total < float64(cfg.MinSamples) {
		return nil
	}
	rate := d.failed / total * 100
	return m.mgr.Evaluate(ctx, rate > cfg.ErrorRateThreshold, Alert{
		Type:     TypeHighErrorRate,
		Severity: transport.SeverityCritical,
		Title:    "High error rate",
		Message: fmt.Sprintf("Current: %.1f%% (threshold: %.1f%%)\nAffected: %d/%d downloads in the last %s",
			rate, cfg.ErrorRateThreshold, int64(d.failed), int64(total), cfg.ErrorWindow),
		Details: "Recent performance issues detected. Check logs for details.",
	})
}

func (m *Monitor) checkQueueDepth(ctx context.Context, cfg MonitorConfig) error {
	depth := m.metrics.QueueDepthValue()
	return m.mgr.Evaluate(ctx, depth > float64(cfg.QueueDepthThreshold), Alert{
		Type:     TypeQueueBackup,
		Severity: transport.SeverityWarning,
		Title:    "Queue backup",
		Message:  fmt.Sprintf("Current queue depth: %d tasks (threshold: %d)", int64(depth), cfg.QueueDepthThreshold),
		Details:  "Tasks are accumulating faster than they can be processed.",
	})
}

func (m *Monitor) checkRetryRate(ctx context.Context, cfg MonitorConfig, d counters) error {
	total := d.succeeded + d.failed
	if total < float64(cfg.MinSamples) {
		return nil
	}
	rate := d.retries / total * 100
	return m.mgr.Evaluate(ctx, rate > cfg.RetryRateThreshold, Alert{
		Type:     TypeHighRetryRate,
		Severity: transport.SeverityWarning,
		Title:    "High retry rate",
		Message: fmt.Sprintf("Current: %.1f%% (threshold: %.1f%%)\nRetries: %d for %d finished downloads",
			rate, cfg.RetryRateThreshold, int64(d.retries), int64(total)),
		Details: "Tasks are frequently failing and being retried.",
	})
}

func (m *Monitor) checkTimeoutRate(ctx context.Context, cfg MonitorConfig, d counters) error {
	total := d.succeeded + d.failed
	if total < float64(cfg.MinSamples) {
		return nil
	}
	rate := d.timeouts / total * 100
	if rate <= cfg.TimeoutRateThreshold {
		_, err := m.mgr.Resolve(ctx, TypeHighTimeoutRate)
		return err
	}
	_, err := m.mgr.HighTimeoutRate(ctx, rate, cfg.ErrorWindow)
	return err
}

func (m *Monitor) checkDisk(ctx context.Context, cfg MonitorConfig) error {
	u, err := m.disk(cfg.DiskPath)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", cfg.DiskPath, err)
	}
	free := u.FreePercent()
	if free >= cfg.DiskMinFreePercent {
		_, err := m.mgr.Resolve(ctx, TypeLowDiskSpace)
		return err
	}
	sev := transport.SeverityWarning
	if free < cfg.DiskMinFreePercent/2 {
		sev = transport.SeverityCritical
	}
	_, err = m.mgr.Send(ctx, Alert{
		Type:     TypeLowDiskSpace,
		Severity: sev,
		Title:    "Low disk space",
		Message: fmt.Sprintf("%s: %s free of %s (%.1f%%, threshold %.1f%%)",
			cfg.DiskPath, humanize.IBytes(u.Free), humanize.IBytes(u.Total), free, cfg.DiskMinFreePercent),
		Details: "Downloads will start failing once the disk is full.",
	})
	return err
}

type counters struct {
	succeeded float64
	failed    float64
	retries   float64
	timeouts  float64
}

func (m *Monitor) sample() counters {
	return counters{
		succeeded: m.metrics.DownloadsSucceeded(),
		failed:    m.metrics.DownloadsFailed(),
		retries:   m.metrics.Retries(),
		timeouts:  metrics.Value(m.metrics.Errors, map[string]string{"category": "timeout"}),
	}
}

type stamped struct {
	at time.Time
	c  counters
}

// counterWindow turns monotonic counters into deltas over a trailing span.
// The oldest kept sample is the last one at or before now-span.
type counterWindow struct {
	span    time.Duration
	samples []stamped
}

func newCounterWindow(span time.Duration) *counterWindow { return &counterWindow{span: span} }

func (w *counterWindow) add(now time.Time, c counters) {
	w.samples = append(w.samples, stamped{at: now, c: c})
	cutoff := now.Add(-w.span)
	drop := 0
	for drop+1 < len(w.samples) && !w.samples[drop+1].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
}

func (w *counterWindow) delta() counters {
	if len(w.samples) < 2 {
		return counters{}
	}
	first, last := w.samples[0].c, w.samples[len(w.samples)-1].c
	return counters{
		succeeded: max(last.succeeded-first.succeeded, 0),
		failed:    max(last.failed-first.failed, 0),
		retries:   max(last.retries-first.retries, 0),
		timeouts:  max(last.timeouts-first.timeouts, 0),
	}
}
