// Package report sends the scheduled operator summary.
package report

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"mediabot/internal/alerts"
	"mediabot/internal/metrics"
	"mediabot/internal/storage"
	"mediabot/internal/task/engine"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

const DefaultSchedule = "0 9 * * *"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// History lists recent alert rows.
type History interface {
	RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
}

// Sources are read when a report is built. Nil members are skipped.
type Sources struct {
	Metrics *metrics.Registry
	Engine  func() engine.Snapshot
	Alerts  func() []alerts.Alert
	History History
}

type totals struct {
	succeeded, failed, retries, bytes float64
}

type Service struct {
	notifier transport.Notifier
	admin    transport.ChatTarget
	src      Sources
	log      logx.Logger
	now      func() time.Time
	parser   cron.Parser

	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	loc   *time.Location
	last  totals
	since time.Time
}

func New(cfg Config, n transport.Notifier, admin transport.ChatTarget, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		notifier: n,
		admin:    admin,
		src:      src,
		log:      log.With(logx.String("comp", "report")),
		now:      time.Now,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg,
	}
	s.since = s.now()
	return s
}

// Start registers the schedule. It is a no-op when the report is disabled.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("report schedule %q: %w", spec, err)
	}
	c.Start()
	s.c, s.loc = c, loc
	s.log.Info("report scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

// Stop waits for a running report up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply restarts the schedule when it changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old == cfg {
		return nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Send(ctx); err != nil {
		s.log.Warn("report not sent", logx.Err(err))
	}
}

// Send builds a report covering the time since the previous one and
// delivers it.
func (s *Service) Send(ctx context.Context) error {
	text := s.Build(ctx)
	if s.admin.IsZero() {
		return nil
	}
	return s.notifier.Notify(ctx, s.admin, text, transport.SeverityInfo)
}

// Build renders the report and advances the reporting period.
func (s *Service) Build(ctx context.Context) string {
	now := s.now()
	cur := s.totals()

	s.mu.Lock()
	prev, since := s.last, s.since
	s.last, s.since = cur, now
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		loc = time.UTC
	}

	d := totals{
		succeeded: cur.succeeded - prev.succeeded,
		failed:    cur.failed - prev.failed,
		retries:   cur.retries - prev.retries,
		bytes:     cur.bytes - prev.bytes,
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Report</b> %s\n", now.In(loc).Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "<i>Period: %s</i>\n\n", strings.TrimSuffix(humanize.RelTime(since, now, "", ""), " "))

	finished := d.succeeded + d.failed
	fmt.Fprintf(&b, "Downloads: ✅ %s  ❌ %s", humanize.Comma(int64(d.succeeded)), humanize.Comma(int64(d.failed)))
	if finished > 0 {
		fmt.Fprintf(&b, " (%.1f%% failed)", d.failed/finished*100)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Retries: %s\n", humanize.Comma(int64(d.retries)))
	fmt.Fprintf(&b, "Downloaded: %s\n", humanize.Bytes(uint64(max(d.bytes, 0))))

	if s.src.Engine != nil {
		snap := s.src.Engine()
		fmt.Fprintf(&b, "Queue: %d waiting, %d running, %d retrying (%d workers)\n", snap.Queued, snap.Running, snap.Retrying, snap.Workers)
		if snap.DownloaderDown {
			b.WriteString("Downloader: <b>down</b>\n")
		}
	}

	if s.src.Alerts != nil {
		active := s.src.Alerts()
		if len(active) == 0 {
			b.WriteString("\nActive alerts: none\n")
		} else {
			b.WriteString("\nActive alerts:\n")
			for _, a := range active {
				fmt.Fprintf(&b, "• %s (since %s)\n", html.EscapeString(a.Title), humanize.RelTime(a.TriggeredAt, now, "ago", "from now"))
			}
		}
	}

	if s.src.History != nil {
		rows, err := s.src.History.RecentAlerts(ctx, 200)
		if err != nil {
			s.log.Warn("alert history unavailable", logx.Err(err))
		} else {
			n := 0
			for _, r := range rows {
				if !r.TriggeredAt.Before(since) {
					n++
				}
			}
			fmt.Fprintf(&b, "Alerts fired in period: %d\n", n)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) totals() totals {
	m := s.src.Metrics
	if m == nil {
		return totals{}
	}
	return totals{
		succeeded: m.DownloadsSucceeded(),
		failed:    m.DownloadsFailed(),
		retries:   m.Retries(),
		bytes:     m.Downloaded(),
	}
}
