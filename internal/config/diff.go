package config

import (
	"reflect"

	"mediabot/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe
// structured attrs for logging. Secrets (token, redis url, proxy) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Bool("telegram.admin_set", newCfg.Telegram.AdminChatID != 0),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.retry_profile", newCfg.Engine.RetryProfile),
		)
	}
	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs, logx.String("rate_limit.driver", newCfg.RateLimit.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Plans, newCfg.Plans) {
		changed = append(changed, "plans")
		attrs = append(attrs,
			logx.String("plans.default", newCfg.Plans.Default),
			logx.Int("plans.users", len(newCfg.Plans.Users)),
			logx.Int("plans.defs", len(newCfg.Plans.Defs)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.IsEnabled()),
			logx.String("alerts.interval", newCfg.Alerts.Interval),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Int("notifier.workers", newCfg.Notifier.Workers))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}
	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs, logx.String("report.schedule", newCfg.Report.Schedule))
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.argc", len(newCfg.Executor.Command)),
			logx.Bool("executor.proxy_set", newCfg.Executor.Proxy != ""),
		)
	}
	return changed, attrs
}

// RequiresRestart reports whether any changed section can only be applied by
// restarting the process.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "telegram", "rate_limit", "storage", "notifier", "executor":
			return true
		}
	}
	return false
}
