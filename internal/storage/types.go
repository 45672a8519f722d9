package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal next to Path
//   - "sqlite": SQLite database file
//   - "memory": process memory only
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepAlerts bounds the alert rows kept by the file and memory drivers.
	KeepAlerts int
}

// AlertRecord is one alert history row. ResolvedAt is zero while the alert is active.
type AlertRecord struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
}

func (r AlertRecord) Resolved() bool { return !r.ResolvedAt.IsZero() }
