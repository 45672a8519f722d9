package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate checks cross-field rules and that every duration parses.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or BOT_TOKEN)"))
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	if c.Engine.Workers < 0 {
		errs = append(errs, errors.New("engine.workers must be >= 0"))
	}
	dur("engine.task_timeout", c.Engine.TaskTimeout)
	dur("engine.max_queue_delay", c.Engine.MaxQueueDelay)

	switch strings.ToLower(c.RateLimit.Driver) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.RateLimit.RedisURL) == "" {
			errs = append(errs, errors.New("rate_limit.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.driver: unknown %q", c.RateLimit.Driver))
	}

	for id := range c.Plans.Users {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("plans.users: %q is not a user id", id))
		}
	}
	for i, p := range c.Plans.Defs {
		dur(fmt.Sprintf("plans.defs[%d].rate_limit", i), p.RateLimit)
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("plans.defs[%d].name is required", i))
		}
	}

	dur("alerts.interval", c.Alerts.Interval)
	dur("alerts.error_window", c.Alerts.ErrorWindow)
	if c.Alerts.ErrorRateThreshold < 0 || c.Alerts.ErrorRateThreshold > 100 {
		errs = append(errs, errors.New("alerts.error_rate_threshold must be within 0..100"))
	}
	if c.Alerts.RetryRateThreshold < 0 || c.Alerts.RetryRateThreshold > 100 {
		errs = append(errs, errors.New("alerts.retry_rate_threshold must be within 0..100"))
	}

	if c.Alerts.TimeoutThreshold < 0 || c.Alerts.TimeoutThreshold > 100 {
		errs = append(errs, errors.New("alerts.timeout_rate_threshold must be within 0..100"))
	}

	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("metrics.read_timeout", c.Metrics.ReadTimeout)
	dur("metrics.write_timeout", c.Metrics.WriteTimeout)

	if len(c.Executor.Command) == 0 {
		errs = append(errs, errors.New("executor.command is required"))
	}
	dur("executor.timeout", c.Executor.Timeout)

	return errors.Join(errs...)
}
