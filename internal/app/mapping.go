package app

import (
	"fmt"
	"strings"
	"time"

	"transitwatch/internal/config"
	"transitwatch/internal/dispatch"
	"transitwatch/internal/incident"
	"transitwatch/internal/notifier"
	"transitwatch/internal/opsapi"
	"transitwatch/internal/profile"
	"transitwatch/internal/storage"
	"transitwatch/pkg/logx"
)

// mapStorageConfig resolves the storage section. An empty driver means the
// file store under ./transitwatch_data.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./transitwatch_data"
		}
		return storage.Config{Driver: "file", Path: path, MaxIncidents: sc.MaxIncidents}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		var ds config.Durations
		busy := ds.Get("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err := ds.Err(); err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig resolves the notifier section. An omitted section runs
// the notifier enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true, DedupWindow: 6 * time.Hour, PersistDedup: true}, nil
	}
	n := cfg.Notifier
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	// Zero leaves the notifier's own default in place.
	var ds config.Durations
	out.RetryBase = ds.Get("notifier.retry_base", n.RetryBase, 0)
	out.RetryMaxDelay = ds.Get("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	out.SendTimeout = ds.Get("notifier.send_timeout", n.SendTimeout, 0)
	out.DedupWindow = ds.Get("notifier.dedup_window", n.DedupWindow, 0)
	if err := ds.Err(); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapProfileOptions(cfg *config.Config) (profile.Options, error) {
	sc := cfg.Session
	var ds config.Durations
	opts := profile.Options{
		Attempts: sc.ProfileAttempts,
		Delay:    ds.Get("session.profile_delay", sc.ProfileDelay, 0),
		MaxDelay: ds.Get("session.profile_max_delay", sc.ProfileMaxDelay, 0),
	}
	if err := ds.Err(); err != nil {
		return profile.Options{}, err
	}
	return opts, nil
}

func mapOpsConfig(cfg *config.Config) opsapi.Config {
	return opsapi.Config{
		Enabled:     cfg.Ops.Enabled,
		Addr:        cfg.Ops.Addr,
		Token:       cfg.Ops.Token,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// loadLines merges the catalog file with inline items; inline wins.
func loadLines(cfg *config.Config) ([]incident.LineInfo, error) {
	var lines []incident.LineInfo
	if f := strings.TrimSpace(cfg.Lines.File); f != "" {
		fromFile, err := dispatch.LoadCatalogFile(f)
		if err != nil {
			return nil, err
		}
		lines = fromFile
	}
	return append(lines, cfg.Lines.Items...), nil
}
