package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// jitterFraction is the largest share of the capped delay added as jitter.
const jitterFraction = 0.25

// Config describes how one class of operation is retried.
// An operation runs at most MaxRetries+1 times.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// NotifyUser surfaces the first retry and the final failure to the end user.
	NotifyUser bool
}

// Delay returns the wait before retry number attempt+1 (attempt is zero-based):
// min(InitialDelay * Multiplier^attempt, MaxDelay), plus up to 25% jitter.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	base := float64(c.InitialDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	if base > math.MaxInt64/2 {
		base = math.MaxInt64 / 2
	}
	d := time.Duration(base)
	if c.Jitter && d > 0 {
		if span := int64(float64(d) * jitterFraction); span > 0 {
			d += time.Duration(rand.Int64N(span + 1))
		}
	}
	return d
}

// MaxAttempts is the total number of runs, counting the first.
func (c Config) MaxAttempts() int { return c.MaxRetries + 1 }

// Default is the general purpose profile.
func Default() Config {
	return Config{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2, Jitter: true, NotifyUser: true}
}

// Network is for transport failures (resets, timeouts, 5xx).
func Network() Config {
	return Config{MaxRetries: 5, InitialDelay: 3 * time.Second, MaxDelay: 120 * time.Second, Multiplier: 2, Jitter: true, NotifyUser: true}
}

// RateLimit is for explicit throttling signals. Server hints usually replace its delays.
func RateLimit() Config {
	return Config{MaxRetries: 3, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 1.5}
}

// Quick is for short transient blips.
func Quick() Config {
	return Config{MaxRetries: 2, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}
}

// Aggressive retries many times with short delays.
func Aggressive() Config {
	return Config{MaxRetries: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 1.5, Jitter: true, NotifyUser: true}
}

// Profile resolves a profile by name. Empty means Default.
func Profile(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return Default(), nil
	case "network":
		return Network(), nil
	case "rate_limit", "ratelimit":
		return RateLimit(), nil
	case "quick":
		return Quick(), nil
	case "aggressive":
		return Aggressive(), nil
	default:
		return Config{}, fmt.Errorf("unknown retry profile %q", name)
	}
}
