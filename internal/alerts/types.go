// Package alerts watches the metrics registry and notifies the operator.
//
// Each alert type has a throttle window: a type is sent at most once per
// window, except types with a zero window which are always sent. A sent alert
// stays active until a later check finds its condition cleared; the first
// clean check resolves it and sends exactly one resolution message.
package alerts

import (
	"fmt"
	"html"
	"strings"
	"time"

	"mediabot/internal/transport"
)

type Type string

const (
	TypeHighErrorRate      Type = "high_error_rate"
	TypeQueueBackup        Type = "queue_backup"
	TypePaymentFailure     Type = "payment_failure"
	TypeDownloaderDown     Type = "downloader_down"
	TypeDatabaseIssues     Type = "database_issues"
	TypeLowConversion      Type = "low_conversion"
	TypeHighRetryRate      Type = "high_retry_rate"
	TypeExpiredCredentials Type = "expired_credentials"
	TypeHighTimeoutRate    Type = "high_timeout_rate"
	TypeLowDiskSpace       Type = "low_disk_space"
	TypeUserComplaint      Type = "user_complaint"
	TypeHighResourceUsage  Type = "high_resource_usage"
)

var throttle = map[Type]time.Duration{
	TypeHighErrorRate:      30 * time.Minute,
	TypeQueueBackup:        15 * time.Minute,
	TypePaymentFailure:     0,
	TypeDownloaderDown:     5 * time.Minute,
	TypeDatabaseIssues:     5 * time.Minute,
	TypeLowConversion:      time.Hour,
	TypeHighRetryRate:      15 * time.Minute,
	TypeExpiredCredentials: time.Hour,
	TypeHighTimeoutRate:    15 * time.Minute,
	TypeLowDiskSpace:       30 * time.Minute,
	TypeUserComplaint:      0,
	TypeHighResourceUsage:  15 * time.Minute,
}

// ThrottleWindow is the minimum time between two notifications of t.
// Zero means every alert of t is sent.
func (t Type) ThrottleWindow() time.Duration { return throttle[t] }

func (t Type) Valid() bool {
	_, ok := throttle[t]
	return ok
}

// Alert is one notification. Severity is SeverityWarning or SeverityCritical.
type Alert struct {
	Type        Type
	Severity    transport.Severity
	Title       string
	Message     string
	Details     string
	TriggeredAt time.Time
}

func severityLabel(s transport.Severity) string {
	if s >= transport.SeverityCritical {
		return "CRITICAL"
	}
	return "WARNING"
}

// Format renders a as HTML for the operator chat. The notifier adds the
// severity marker in front.
func (a Alert) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s ALERT</b>\n\n", severityLabel(a.Severity))
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(a.Title))
	b.WriteString(html.EscapeString(a.Message))
	if a.Details != "" {
		b.WriteString("\n\n<b>Details:</b>\n")
		b.WriteString(html.EscapeString(a.Details))
	}
	fmt.Fprintf(&b, "\n\n<i>Triggered: %s</i>", a.TriggeredAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

func (a Alert) FormatResolved() string {
	return fmt.Sprintf("✅ <b>Alert resolved</b>\n\n%s\n\n<i>The issue has been resolved.</i>", html.EscapeString(a.Title))
}

// record is the history row text: title and message.
func (a Alert) record() string {
	return a.Title + "\n\n" + a.Message
}
