package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mediabot/internal/admission"
	"mediabot/internal/alerts"
	"mediabot/internal/config"
	"mediabot/internal/eventbus"
	"mediabot/internal/executor"
	"mediabot/internal/metrics"
	"mediabot/internal/notifier"
	"mediabot/internal/observability/httpserver"
	"mediabot/internal/plan"
	"mediabot/internal/ratelimit"
	"mediabot/internal/report"
	rtsup "mediabot/internal/runtime/supervisor"
	"mediabot/internal/storage"
	"mediabot/internal/task/engine"
	"mediabot/internal/transport"
	"mediabot/internal/transport/telegram"
	"mediabot/pkg/logx"
)

// App owns every component and their lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	last *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	storeErr error
	rdb      *redis.Client
	memRL    *ratelimit.MemoryStore

	adapter *telegram.Adapter
	metrics *metrics.Registry
	plans   *plan.Registry
	notif   *notifier.Service
	exec    *executor.Executor
	engine  *engine.Service
	alerts  *alerts.Manager
	monitor *alerts.Monitor
	gate    *admission.Gate
	intake  *Intake
	report  *report.Service
	http    *httpserver.Service

	updates chan transport.Update
}

// New loads the config and builds the components. Nothing runs until Start.
func New(cfgPath string, opts ...config.Option) (*App, error) {
	cfgm := config.NewManager(cfgPath, opts...)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	admin := adminTarget(cfg)
	logs.SetOperator(ad, admin)

	a := &App{
		cfgm:    cfgm,
		last:    cfg,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		adapter: ad,
		metrics: metrics.New(true),
		updates: make(chan transport.Update, 256),
	}

	a.store, a.storeErr = openStorage(cfg, root.With(logx.String("comp", "storage")))

	rlStore, err := a.openRateLimit(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	if a.plans, err = buildPlans(cfg); err != nil {
		a.closeStores()
		return nil, err
	}
	users, err := planUsers(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.notif = notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), a.bus)

	aopts := []alerts.Option{
		alerts.WithMetrics(a.metrics),
		alerts.WithBus(a.bus),
		alerts.WithLogger(root),
	}
	if a.store != nil {
		aopts = append(aopts, alerts.WithStore(a.store))
	}
	a.alerts = alerts.NewManager(a.notif, admin, aopts...)

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	mcfg.Paused = !cfg.Alerts.IsEnabled()
	a.monitor = alerts.NewMonitor(mcfg, a.alerts, a.metrics)

	xcfg, err := mapExecutorConfig(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	if a.exec, err = executor.New(xcfg, a.executorHooks(), root); err != nil {
		a.closeStores()
		return nil, err
	}

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.engine = engine.New(ecfg, a.exec,
		engine.WithLogger(root.With(logx.String("comp", "engine"))),
		engine.WithBus(a.bus),
		engine.WithMetrics(a.metrics),
		engine.WithNotifier(a.notif),
		engine.WithHooks(engine.Hooks{
			DownloaderDown: func(ctx context.Context, n int, last error) { a.fire(a.alerts.DownloaderDown(ctx, n, last)) },
			DownloaderUp:   func(ctx context.Context) { a.fire(a.alerts.DownloaderUp(ctx)) },
		}),
	)

	limiter := ratelimit.New(rlStore)
	a.gate = admission.New(a.plans, limiter, a.engine,
		admission.WithLogger(root),
		admission.WithBus(a.bus),
	)
	a.intake = newIntake(intakeDeps{
		Gate:    a.gate,
		Engine:  a.engine,
		Limiter: limiter,
		Plans:   a.plans,
		Alerts:  a.alerts,
		Reply:   a.notif,
		Log:     root,
	}, users, admin)

	src := report.Sources{
		Metrics: a.metrics,
		Engine:  a.engine.Snapshot,
		Alerts:  a.alerts.Active,
	}
	if a.store != nil {
		src.History = a.store
	}
	a.report = report.New(mapReportConfig(cfg), a.notif, admin, src, root)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.http = httpserver.New(hcfg, a.metrics.Handler(), a.health, root)
	return a, nil
}

func (a *App) openRateLimit(cfg *config.Config) (ratelimit.Store, error) {
	rc := cfg.RateLimit
	if strings.EqualFold(rc.Driver, "redis") {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rdb, err := ratelimit.Connect(ctx, rc.RedisURL)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.log.Info("rate limit state in redis", logx.String("prefix", rc.Prefix))
		return ratelimit.NewRedisStore(rdb, rc.Prefix), nil
	}
	a.memRL = ratelimit.NewMemoryStore(rc.Shards)
	return a.memRL, nil
}

func (a *App) executorHooks() executor.Hooks {
	return executor.Hooks{
		CredentialsExpired: func(ctx context.Context, cat executor.Category, detail string) {
			a.fire(a.alerts.ExpiredCredentials(ctx, string(cat), detail))
		},
		DiskFull: func(ctx context.Context, path, detail string) {
			a.fire(a.alerts.LowDiskSpace(ctx, path, detail))
		},
		Unavailable: func(ctx context.Context, err error) {
			a.fire(a.alerts.DownloaderDown(ctx, 1, err))
		},
	}
}

// fire logs a failed alert delivery. Alerts are best effort.
func (a *App) fire(_ bool, err error) {
	if err != nil {
		a.log.Warn("alert not delivered", logx.Err(err))
	}
}

func (a *App) health() (map[string]any, error) {
	snap := a.engine.Snapshot()
	info := map[string]any{
		"workers":       snap.Workers,
		"queued":        snap.Queued,
		"running":       snap.Running,
		"retrying":      snap.Retrying,
		"active_alerts": len(a.alerts.Active()),
	}
	if snap.DownloaderDown {
		info["downloader"] = "down"
		return info, errors.New("downloader down")
	}
	return info, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.notif.Start(run)
	a.engine.Start(run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.adapter.SetCommands(botCommands); err != nil {
		a.log.Warn("set bot commands failed", logx.Err(err))
	}
	if err := a.http.Start(run); err != nil {
		// The bot works without its metrics endpoint.
		a.log.Error("http server not started", logx.Err(err))
	}
	if err := a.report.Start(run); err != nil {
		a.log.Error("daily report not scheduled", logx.Err(err))
	}

	a.sup.GoRestart("alerts.monitor", a.monitor.Run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
	)
	if a.storeErr != nil {
		err := a.storeErr
		a.sup.Go0("alerts.storage", func(c context.Context) {
			a.fire(a.alerts.DatabaseIssue(c, err))
		})
	}
	if a.memRL != nil {
		a.sup.Go0("ratelimit.prune", a.pruneLoop)
	}

	a.sup.Go("intake", func(c context.Context) error {
		return a.intake.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.Apply(c, cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)

	a.log.Info("app started",
		logx.Int("plans", len(a.plans.Names())),
		logx.String("default_plan", a.plans.Default()),
	)
	return nil
}

var botCommands = []telegram.Command{
	{Name: "audio", Description: "Download audio"},
	{Name: "video", Description: "Download video"},
	{Name: "subs", Description: "Download subtitles"},
	{Name: "status", Description: "Your plan and remaining downloads"},
	{Name: "cancel", Description: "Cancel your queued downloads"},
	{Name: "report", Description: "Report a problem"},
	{Name: "help", Description: "How to use the bot"},
}

// pruneLoop forgets users idle for two days. Their quota day has rolled over.
func (a *App) pruneLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := a.memRL.Prune(now.Add(-48 * time.Hour)); n > 0 {
				a.log.Debug("rate limit state pruned", logx.Int("users", n))
			}
		}
	}
}

// Apply hot-applies cfg. Invalid configs are rejected whole.
func (a *App) Apply(ctx context.Context, cfg *config.Config) {
	if err := validate(cfg); err != nil {
		a.log.Warn("config rejected; keeping previous", logx.Err(err))
		return
	}
	sections, attrs := config.SummarizeConfigChange(a.last, cfg)
	prev := a.last
	a.last = cfg
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	changed := strings.Join(sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)
	if config.RequiresRestart(sections) {
		a.log.Warn("some changes take effect after a restart", logx.String("changed", changed))
	}

	a.logs.Apply(mapLogConfig(cfg))

	// Errors below are impossible after validate.
	if ecfg, err := mapEngineConfig(cfg); err == nil {
		if ecfg.Workers != prev.Engine.Workers {
			a.log.Warn("engine.workers takes effect after a restart")
		}
		a.engine.Apply(ecfg)
	}
	if ncfg, err := mapNotifierConfig(cfg); err == nil {
		a.notif.Apply(ncfg)
	}
	if mcfg, err := mapMonitorConfig(cfg); err == nil {
		mcfg.Paused = !cfg.Alerts.IsEnabled()
		a.monitor.Apply(mcfg)
	}
	if err := registerPlans(a.plans, cfg); err != nil {
		a.log.Warn("plans not applied", logx.Err(err))
	}
	if !strings.EqualFold(prev.Plans.Default, cfg.Plans.Default) {
		a.log.Warn("plans.default takes effect after a restart")
	}
	if users, err := planUsers(cfg); err == nil {
		a.intake.SetUsers(users)
	}
	if err := a.report.Apply(mapReportConfig(cfg)); err != nil {
		a.log.Warn("report schedule not applied", logx.Err(err))
	}
	if hcfg, err := mapHTTPConfig(cfg); err == nil {
		if err := a.http.Reconfigure(ctx, hcfg); err != nil {
			a.log.Warn("http server reconfigure failed", logx.Err(err))
		}
	}
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Intake stops first so no task is admitted into a stopping engine. The
	// notifier stops after the engine to deliver its cancellation notices.
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "engine", 5*time.Second, a.engine.Stop)
	a.step(ctx, "report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "notifier", 3*time.Second, a.notif.Stop)

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.closeStores()

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeStores() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
