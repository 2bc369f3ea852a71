package storage

import (
	"errors"
	"fmt"
	"strings"

	"transitwatch/pkg/logx"
)

// ErrUnknownDriver is returned by Open for a driver it cannot serve.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Open returns the store selected by cfg.Driver. The engine has no
// storage-less mode: profiles, policies and the incident log all live here.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := normalizeDriver(cfg.Driver)
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// normalizeDriver folds aliases; an empty driver means the file store.
func normalizeDriver(d string) string {
	switch d = strings.ToLower(strings.TrimSpace(d)); d {
	case "":
		return "file"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}
