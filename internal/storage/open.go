package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"mediabot/pkg/logx"
)

// Store is the alert history API used by the alert manager and the daily report.
type Store interface {
	// AppendAlert inserts a fired alert and returns its row id.
	AppendAlert(ctx context.Context, r AlertRecord) (int64, error)
	// ResolveAlert stamps every unresolved row of alertType. It reports
	// whether any row was updated.
	ResolveAlert(ctx context.Context, alertType string, at time.Time) (bool, error)
	// RecentAlerts returns up to limit rows, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	Close() error
}

const defaultKeepAlerts = 1000

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.KeepAlerts <= 0 {
		cfg.KeepAlerts = defaultKeepAlerts
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(cfg.KeepAlerts), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
