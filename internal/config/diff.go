package config

import (
	"reflect"
	"strings"

	"transitwatch/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// log fields describing the new values. Secrets are reported only as set or
// unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Telegram.Offline != newCfg.Telegram.Offline ||
		oldCfg.Telegram.Timeout != newCfg.Telegram.Timeout ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	op, np := oldCfg.PolicyCache, newCfg.PolicyCache
	op.Password, np.Password = "", ""
	if op != np || (oldCfg.PolicyCache.Password == "") != (newCfg.PolicyCache.Password == "") {
		changed = append(changed, "policy_cache")
		attrs = append(attrs, logx.String("policy_cache.driver", newCfg.PolicyCache.Driver))
	}
	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs, logx.String("feed.driver", newCfg.Feed.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.String("notifier.dedup_window", n.DedupWindow),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.timezone", newCfg.Session.Timezone),
			logx.Int("session.subscribers", len(newCfg.Session.Subscribers)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Lines, newCfg.Lines) {
		changed = append(changed, "lines")
		attrs = append(attrs,
			logx.String("lines.file", newCfg.Lines.File),
			logx.Int("lines.items", len(newCfg.Lines.Items)),
		)
	}
	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.String("housekeeping.dedup_prune", newCfg.Housekeeping.DedupPrune))
	}
	on, nn := oldCfg.Ops, newCfg.Ops
	on.Token, nn.Token = "", ""
	if on != nn || (oldCfg.Ops.Token == "") != (newCfg.Ops.Token == "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return changed, attrs
}

// RequiresRestart reports changed sections that only take effect on the
// next process start.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "logging", "notifier", "lines":
		default:
			out = append(out, s)
		}
	}
	return out
}
