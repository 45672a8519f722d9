package config

import (
	"errors"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverlay lists the settings that may come from the environment. A set
// variable wins over the file value.
type envOverlay struct {
	Token         *string  `env:"BOT_TOKEN"`
	AdminChatID   *int64   `env:"ADMIN_CHAT_ID"`
	RedisURL      *string  `env:"REDIS_URL"`
	LogLevel      *string  `env:"LOG_LEVEL"`
	Workers       *int     `env:"MAX_CONCURRENT_DOWNLOADS"`
	AlertsEnabled *bool    `env:"ALERTS_ENABLED"`
	ErrorRate     *float64 `env:"ALERT_ERROR_RATE_THRESHOLD"`
	QueueDepth    *int     `env:"ALERT_QUEUE_THRESHOLD"`
	RetryRate     *float64 `env:"ALERT_RETRY_RATE_THRESHOLD"`
	StoragePath   *string  `env:"STORAGE_PATH"`
	Proxy         *string  `env:"DOWNLOAD_PROXY"`
	CookiesFile   *string  `env:"COOKIES_FILE"`
}

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// applyEnv overlays environment values onto cfg. environ replaces the process
// environment when non-nil.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverlay
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return err
	}

	if o.Token != nil {
		cfg.Telegram.Token = *o.Token
	}
	if o.AdminChatID != nil {
		cfg.Telegram.AdminChatID = *o.AdminChatID
	}
	if o.RedisURL != nil {
		cfg.RateLimit.RedisURL = *o.RedisURL
		if cfg.RateLimit.Driver == "" {
			cfg.RateLimit.Driver = "redis"
		}
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.Workers != nil {
		cfg.Engine.Workers = *o.Workers
	}
	if o.AlertsEnabled != nil {
		v := *o.AlertsEnabled
		cfg.Alerts.Enabled = &v
	}
	if o.ErrorRate != nil {
		cfg.Alerts.ErrorRateThreshold = *o.ErrorRate
	}
	if o.QueueDepth != nil {
		cfg.Alerts.QueueDepthThreshold = *o.QueueDepth
	}
	if o.RetryRate != nil {
		cfg.Alerts.RetryRateThreshold = *o.RetryRate
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = *o.StoragePath
	}
	if o.Proxy != nil {
		cfg.Executor.Proxy = *o.Proxy
	}
	if o.CookiesFile != nil {
		cfg.Executor.CookiesFile = *o.CookiesFile
	}
	return nil
}
