package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts standard five-field expressions and descriptors such
// as "@hourly".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without opening a
// connection. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "sqlite", "sqlite3":
	default:
		bad("storage.driver: unknown driver %q", d)
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.PolicyCache.Driver)); d {
	case "", "storage":
	case "redis":
		if strings.TrimSpace(cfg.PolicyCache.Addr) == "" {
			bad("policy_cache.addr: required for redis")
		}
	default:
		bad("policy_cache.driver: unknown driver %q", d)
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Feed.Driver)); d {
	case "", "hub", "poll":
	default:
		bad("feed.driver: unknown driver %q", d)
	}
	if cfg.Feed.Window < 0 {
		bad("feed.window: must be >= 0")
	}

	durations := map[string]string{
		"telegram.timeout":          cfg.Telegram.Timeout,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"feed.poll_interval":        cfg.Feed.PollInterval,
		"session.profile_delay":     cfg.Session.ProfileDelay,
		"session.profile_max_delay": cfg.Session.ProfileMaxDelay,
		"session.start_timeout":     cfg.Session.StartTimeout,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
		durations["notifier.dedup_window"] = n.DedupWindow
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			bad("notifier: numeric settings must be >= 0")
		}
	}
	for path, raw := range durations {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := cfg.Session.Location(); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for _, id := range cfg.Session.Subscribers {
		id = strings.TrimSpace(id)
		if id == "" {
			bad("session.subscribers: empty id")
			continue
		}
		if seen[id] {
			bad("session.subscribers: duplicate %q", id)
		}
		seen[id] = true
	}
	for i, l := range cfg.Lines.Items {
		if strings.TrimSpace(l.ID) == "" {
			bad("lines.items[%d]: id is required", i)
		}
	}
	if expr := strings.TrimSpace(cfg.Housekeeping.DedupPrune); expr != "" {
		if _, err := CronParser.Parse(expr); err != nil {
			bad("housekeeping.dedup_prune: %v", err)
		}
	}
	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Addr) == "" {
		bad("ops.addr: required when ops is enabled")
	}
	return errors.Join(errs...)
}

// Location resolves the session timezone; empty means time.Local.
func (s SessionConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("session.timezone: %w", err)
	}
	return loc, nil
}
