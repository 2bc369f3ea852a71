package config

import "transitwatch/internal/incident"

// Config is the whole transitwatch configuration file.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Unknown keys
// are rejected.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	PolicyCache  PolicyCacheConfig  `json:"policy_cache"`
	Feed         FeedConfig         `json:"feed"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Session      SessionConfig      `json:"session"`
	Lines        LinesConfig        `json:"lines"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Ops          OpsConfig          `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Offline skips the getMe call at boot.
	Offline bool `json:"offline,omitempty"`
	// Timeout is the HTTP client timeout for Bot API calls.
	Timeout string `json:"timeout,omitempty"`
	// LogChatID receives log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the durable store.
//
//	"storage": { "driver": "sqlite", "path": "./transitwatch.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxIncidents int    `json:"max_incidents,omitempty"`
}

// PolicyCacheConfig selects where notification policies are read from.
// Driver "storage" reads the policy_kv table of the main store; "redis"
// reads one hash per subscriber.
type PolicyCacheConfig struct {
	Driver   string `json:"driver"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// FeedConfig selects the incident feed. "hub" is an in-process push feed
// seeded from storage; "poll" re-reads the incidents table.
type FeedConfig struct {
	Driver       string `json:"driver"`
	Window       int    `json:"window,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// NotifierConfig controls the delivery pipeline. If the section is omitted
// the notifier runs enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type SessionConfig struct {
	// Timezone is an IANA zone name; empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// Subscribers are started when the app boots.
	Subscribers []string `json:"subscribers,omitempty"`
	QueueSize   int      `json:"queue_size,omitempty"`

	ProfileAttempts uint   `json:"profile_attempts,omitempty"`
	ProfileDelay    string `json:"profile_delay,omitempty"`
	ProfileMaxDelay string `json:"profile_max_delay,omitempty"`
	StartTimeout    string `json:"start_timeout,omitempty"`
}

// LinesConfig is the line catalog, inline or from a YAML file. Inline
// entries override file entries with the same id.
type LinesConfig struct {
	File  string              `json:"file,omitempty"`
	Items []incident.LineInfo `json:"items,omitempty"`
}

type HousekeepingConfig struct {
	// DedupPrune is a cron expression; empty means "@hourly".
	DedupPrune string `json:"dedup_prune,omitempty"`
}

type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as a bearer token on mutating routes.
	Token string `json:"token,omitempty"`
}
