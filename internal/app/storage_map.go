package app

import (
	"fmt"
	"strings"
	"time"

	"mediabot/internal/config"
	"mediabot/internal/storage"
	"mediabot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory", KeepAlerts: sc.KeepAlerts}, nil
	case "none":
		return storage.Config{}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, KeepAlerts: sc.KeepAlerts}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, KeepAlerts: sc.KeepAlerts}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// openStorage opens the alert history. A store that fails to open is replaced
// by process memory so alerting keeps working; the error is returned for the
// DatabaseIssue alert once the notifier runs.
func openStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		log.Error("storage unavailable, keeping alert history in memory", logx.String("driver", sc.Driver), logx.Err(err))
		return storage.NewMemory(sc.KeepAlerts), fmt.Errorf("open %s storage: %w", sc.Driver, err)
	}
	if st != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	return st, nil
}
