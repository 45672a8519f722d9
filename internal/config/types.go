package config

// Config is the file format. Durations are Go duration strings ("500ms", "10s", "1m");
// empty or zero values fall back to the defaults documented per field.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Plans     PlansConfig     `json:"plans"`
	Alerts    AlertsConfig    `json:"alerts"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
	Report    ReportConfig    `json:"report"`
	Executor  ExecutorConfig  `json:"executor"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default 10s
	// AdminChatID receives alerts, exhausted-task reports and the daily report.
	AdminChatID   int64 `json:"admin_chat_id"`
	AdminThreadID int   `json:"admin_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator mirrors log lines at or above MinLevel to the admin chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngineConfig controls the task scheduler.
//
// Defaults:
//   - workers: 2
//   - retry_profile: "network"
//   - report_after_attempts: 3
//   - queue_notice_after: 3 (0 keeps the default, -1 disables)
//   - task_timeout: "10m"
//   - max_queue_delay: "0s" (disabled)
type EngineConfig struct {
	Workers             int    `json:"workers"`
	RetryProfile        string `json:"retry_profile,omitempty"`
	ReportAfterAttempts int    `json:"report_after_attempts,omitempty"`
	QueueNoticeAfter    int    `json:"queue_notice_after,omitempty"`
	TaskTimeout         string `json:"task_timeout,omitempty"`
	MaxQueueDelay       string `json:"max_queue_delay,omitempty"`
}

// RateLimitConfig selects where per-user admission state lives.
type RateLimitConfig struct {
	Driver   string `json:"driver"` // "memory" (default) | "redis"
	RedisURL string `json:"redis_url,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Shards   int    `json:"shards,omitempty"`
}

// PlansConfig assigns plans to users and overrides or adds plan definitions.
type PlansConfig struct {
	Default string `json:"default,omitempty"` // default "free"
	// Users maps a user id (decimal string) to a plan name.
	Users map[string]string `json:"users,omitempty"`
	Defs  []PlanConfig      `json:"defs,omitempty"`
}

type PlanConfig struct {
	Name      string `json:"name"`
	RateLimit string `json:"rate_limit"`
	// DailyLimit is omitted for unlimited plans.
	DailyLimit       *int     `json:"daily_limit,omitempty"`
	MaxFileSizeMB    int      `json:"max_file_size_mb"`
	AllowedKinds     []string `json:"allowed_kinds"`
	Priority         int      `json:"priority"`
	CanChooseQuality bool     `json:"can_choose_quality,omitempty"`
	CanChooseBitrate bool     `json:"can_choose_bitrate,omitempty"`
}

// AlertsConfig controls the health monitor.
//
// Defaults: interval 60s, error_rate_threshold 5 (%), queue_depth_threshold 50,
// retry_rate_threshold 30 (%), timeout_rate_threshold 20 (%), error_window 1h, min_samples 10,
// disk_min_free_percent 10. An empty disk_path disables the disk check.
type AlertsConfig struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	Interval            string  `json:"interval,omitempty"`
	ErrorRateThreshold  float64 `json:"error_rate_threshold,omitempty"`
	QueueDepthThreshold int     `json:"queue_depth_threshold,omitempty"`
	RetryRateThreshold  float64 `json:"retry_rate_threshold,omitempty"`
	TimeoutThreshold    float64 `json:"timeout_rate_threshold,omitempty"`
	ErrorWindow         string  `json:"error_window,omitempty"`
	MinSamples          int     `json:"min_samples,omitempty"`
	DiskPath            string  `json:"disk_path,omitempty"`
	DiskMinFreePercent  float64 `json:"disk_min_free_percent,omitempty"`
}

func (a AlertsConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// NotifierConfig controls the async outbound message pipeline.
type NotifierConfig struct {
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
	RatePerSec int    `json:"rate_per_sec"`
	Profile    string `json:"retry_profile,omitempty"` // default "rate_limit"
}

type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | memory | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	KeepAlerts  int    `json:"keep_alerts,omitempty"`
}

// MetricsConfig exposes /metrics (and optionally /debug/pprof) over HTTP.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"` // default 127.0.0.1:9090
	Pprof   bool   `json:"pprof,omitempty"`
	// Token guards pprof; required for pprof on a non-loopback addr.
	Token        string `json:"token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// ReportConfig schedules the daily operator summary.
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 9 * * *"
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
}

// ExecutorConfig describes the external downloader invocation. Arguments may
// use {url}, {kind}, {out}, {quality}, {bitrate}, {start}, {end} placeholders.
type ExecutorConfig struct {
	Command     []string `json:"command"`
	OutputDir   string   `json:"output_dir"`
	Timeout     string   `json:"timeout,omitempty"`
	Proxy       string   `json:"proxy,omitempty"`
	CookiesFile string   `json:"cookies_file,omitempty"`
}
