package alerts

import (
	"context"
	"fmt"
	"time"

	"mediabot/internal/transport"
)

// Alerts raised by calling code outside the monitor loop. They share the
// throttling and history path of Send.

func (m *Manager) PaymentFailure(ctx context.Context, plan, reason string) (bool, error) {
	return m.Send(ctx, Alert{
		Type:     TypePaymentFailure,
		Severity: transport.SeverityCritical,
		Title:    "Payment failure",
		Message:  fmt.Sprintf("A %s subscription payment has failed", plan),
		Details:  fmt.Sprintf("Reason: %s\n\nPlease investigate immediately.", reason),
	})
}

func (m *Manager) ExpiredCredentials(ctx context.Context, kind, detail string) (bool, error) {
	return m.Send(ctx, Alert{
		Type:     TypeExpiredCredentials,
		Severity: transport.SeverityCritical,
		Title:    "Downloader credentials rejected",
		Message:  fmt.Sprintf("The source rejected our session (%s).", kind),
		Details:  detail + "\n\nRefresh the cookies file and check the proxy.",
	})
}

func (m *Manager) UserComplaint(ctx context.Context, userID int64, text string) (bool, error) {
	return m.Send(ctx, Alert{
		Type:     TypeUserComplaint,
		Severity: transport.SeverityWarning,
		Title:    "User complaint",
		Message:  fmt.Sprintf("User %d reported a problem.", userID),
		Details:  text,
	})
}

func (m *Manager) LowDiskSpace(ctx context.Context, path, detail string) (bool, error) {
	return m.Send(ctx, Alert{
		Type:     TypeLowDiskSpace,
		Severity: transport.SeverityCritical,
		Title:    "Disk full",
		Message:  fmt.Sprintf("Writing to %s failed for lack of space.", path),
		Details:  detail,
	})
}

func (m *Manager) HighTimeoutRate(ctx context.Context, rate float64, window time.Duration) (bool, error) {
	return m.Send(ctx, Alert{
		Type:     TypeHighTimeoutRate,
		Severity: transport.SeverityWarning,
		Title:    "High timeout rate",
		Message:  fmt.Sprintf("%.1f%% of downloads timed out in the last %s.", rate, window),
	})
}

func (m *Manager) DownloaderDown(ctx context.Context, consecutive int, last error) (bool, error) {
	detail := ""
	if last != nil {
		detail = "Last error: " + last.Error()
	}
	return m.Send(ctx, Alert{
		Type:     TypeDownloaderDown,
		Severity: transport.SeverityCritical,
		Title:    "Downloader down",
		Message:  fmt.Sprintf("%d consecutive downloads failed with transient errors.", consecutive),
		Details:  detail,
	})
}

// DownloaderUp resolves an active DownloaderDown alert.
func (m *Manager) DownloaderUp(ctx context.Context) (bool, error) {
	return m.Resolve(ctx, TypeDownloaderDown)
}

func (m *Manager) DatabaseIssue(ctx context.Context, err error) (bool, error) {
	return m.Send(ctx, Alert{
		Type:     TypeDatabaseIssues,
		Severity: transport.SeverityCritical,
		Title:    "Database issue",
		Message:  err.Error(),
	})
}
