package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mediabot/internal/alerts"
	"mediabot/internal/config"
	"mediabot/internal/executor"
	"mediabot/internal/notifier"
	"mediabot/internal/observability/httpserver"
	"mediabot/internal/plan"
	"mediabot/internal/report"
	"mediabot/internal/retry"
	"mediabot/internal/task/engine"
	"mediabot/internal/transport"
	"mediabot/pkg/logx"
)

// ---- config -> component mapping ----

func adminTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.AdminChatID, ThreadID: cfg.Telegram.AdminThreadID}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	name := strings.TrimSpace(ec.RetryProfile)
	if name == "" {
		name = "network"
	}
	rc, err := retry.Profile(name)
	if err != nil {
		return engine.Config{}, fmt.Errorf("engine.retry_profile: %w", err)
	}
	// Users hear about retries of their downloads.
	rc.NotifyUser = true

	timeout, err := config.ParseDurationOrDefault("engine.task_timeout", ec.TaskTimeout, 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:             ec.Workers,
		Retry:               rc,
		TaskTimeout:         timeout,
		MaxQueueDelay:       maxDelay,
		ReportAfterAttempts: ec.ReportAfterAttempts,
		QueueNoticeAfter:    ec.QueueNoticeAfter,
		Admin:               adminTarget(cfg),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size and rate_per_sec must be >= 0")
	}
	name := strings.TrimSpace(nc.Profile)
	if name == "" {
		name = "rate_limit"
	}
	rc, err := retry.Profile(name)
	if err != nil {
		return notifier.Config{}, fmt.Errorf("notifier.retry_profile: %w", err)
	}
	out := notifier.Config{
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		Retry:       rc,
		DedupWindow: 30 * time.Second,
	}
	// Alerts to the operator are throttled by type already.
	if admin := adminTarget(cfg); !admin.IsZero() {
		out.DedupExempt = []int64{admin.ChatID}
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (alerts.MonitorConfig, error) {
	ac := cfg.Alerts
	interval, err := config.ParseDurationField("alerts.interval", ac.Interval)
	if err != nil {
		return alerts.MonitorConfig{}, err
	}
	window, err := config.ParseDurationField("alerts.error_window", ac.ErrorWindow)
	if err != nil {
		return alerts.MonitorConfig{}, err
	}
	return alerts.MonitorConfig{
		Interval:             interval,
		ErrorRateThreshold:   ac.ErrorRateThreshold,
		QueueDepthThreshold:  ac.QueueDepthThreshold,
		RetryRateThreshold:   ac.RetryRateThreshold,
		TimeoutRateThreshold: ac.TimeoutThreshold,
		ErrorWindow:          window,
		MinSamples:           ac.MinSamples,
		DiskPath:             ac.DiskPath,
		DiskMinFreePercent:   ac.DiskMinFreePercent,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	mc := cfg.Metrics
	rt, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	// pprof profiles run for 30s by default.
	wt, err := config.ParseDurationOrDefault("metrics.write_timeout", mc.WriteTimeout, 45*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:      mc.Enabled,
		Addr:         mc.Addr,
		Pprof:        mc.Pprof,
		Token:        mc.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		Schedule: cfg.Report.Schedule,
		Timezone: cfg.Report.Timezone,
	}
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	ec := cfg.Executor
	timeout, err := config.ParseDurationField("executor.timeout", ec.Timeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Command:     append([]string(nil), ec.Command...),
		OutputDir:   ec.OutputDir,
		Timeout:     timeout,
		Proxy:       ec.Proxy,
		CookiesFile: ec.CookiesFile,
	}, nil
}

// mapPlan converts a plan definition from the config file.
func mapPlan(i int, pc config.PlanConfig) (plan.Limits, error) {
	rl, err := config.ParseDurationField(fmt.Sprintf("plans.defs[%d].rate_limit", i), pc.RateLimit)
	if err != nil {
		return plan.Limits{}, err
	}
	kinds := make([]plan.Kind, 0, len(pc.AllowedKinds))
	for _, k := range pc.AllowedKinds {
		kind, err := plan.ParseKind(k)
		if err != nil {
			return plan.Limits{}, fmt.Errorf("plans.defs[%d].allowed_kinds: %w", i, err)
		}
		kinds = append(kinds, kind)
	}
	l := plan.Limits{
		Name:             pc.Name,
		RateLimit:        rl,
		MaxFileSizeMB:    pc.MaxFileSizeMB,
		AllowedKinds:     kinds,
		Priority:         pc.Priority,
		CanChooseQuality: pc.CanChooseQuality,
		CanChooseBitrate: pc.CanChooseBitrate,
	}
	if pc.DailyLimit != nil {
		n := *pc.DailyLimit
		l.DailyLimit = &n
	}
	return l, nil
}

// buildPlans returns the builtin plans overlaid with the configured ones.
func buildPlans(cfg *config.Config) (*plan.Registry, error) {
	def := strings.TrimSpace(cfg.Plans.Default)
	if def == "" {
		def = plan.Free
	}
	plans := plan.Builtin()
	for i, pc := range cfg.Plans.Defs {
		l, err := mapPlan(i, pc)
		if err != nil {
			return nil, err
		}
		plans = append(plans, l)
	}
	reg, err := plan.NewRegistry(def, plans...)
	if err != nil {
		return nil, fmt.Errorf("plans: %w", err)
	}
	return reg, nil
}

// registerPlans re-applies the configured plans to a live registry.
func registerPlans(reg *plan.Registry, cfg *config.Config) error {
	for i, pc := range cfg.Plans.Defs {
		l, err := mapPlan(i, pc)
		if err != nil {
			return err
		}
		if err := reg.Register(l); err != nil {
			return fmt.Errorf("plans.defs[%d]: %w", i, err)
		}
	}
	return nil
}

// planUsers parses the user id -> plan name assignments.
func planUsers(cfg *config.Config) (map[int64]string, error) {
	out := make(map[int64]string, len(cfg.Plans.Users))
	for raw, name := range cfg.Plans.Users {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("plans.users: %q is not a user id", raw)
		}
		out[id] = strings.ToLower(strings.TrimSpace(name))
	}
	return out, nil
}

// validate checks everything the mappers check, so a bad hot reload is
// rejected before any component sees it.
func validate(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := buildPlans(cfg); err != nil {
		return err
	}
	if _, err := planUsers(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("report.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
