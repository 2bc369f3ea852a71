package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration reads a duration field. Empty yields 0. A bare integer is
// taken as seconds, anything else must be a Go duration string.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Durations parses a batch of fields and joins their errors, so one bad
// section reports every broken field at once.
type Durations struct {
	errs []error
}

// Get returns the parsed value, or def when the field is empty or zero.
func (p *Durations) Get(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDuration(path, raw)
	if err != nil {
		p.errs = append(p.errs, err)
		return def
	}
	if d <= 0 {
		return def
	}
	return d
}

func (p *Durations) Err() error { return errors.Join(p.errs...) }
