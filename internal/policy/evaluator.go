// Package policy decides whether a delivery policy allows a notification at a
// given local time, and reads policies from the local cache.
package policy

import (
	"time"

	"transitwatch/internal/incident"
)

// Allowed evaluates p against the wall-clock fields of now (already in the
// subscriber's zone). Informational events (empty severity) skip the severity
// whitelist. Allowed is pure.
func Allowed(p incident.Policy, now time.Time, sev incident.Severity) bool {
	if !p.Enabled {
		return false
	}
	if !p.ActiveDays[now.Weekday()] {
		return false
	}
	if !InWindow(p.StartHour, p.EndHour, now.Hour()) {
		return false
	}
	if sev.IsInformational() {
		return true
	}
	return p.Severities[sev]
}

// InWindow reports whether hour falls in [start, end), wrapping past
// midnight when start > end.
func InWindow(start, end, hour int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
