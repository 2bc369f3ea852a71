package incident

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Policy is a subscriber's delivery preferences.
//
// StartHour <= EndHour selects [StartHour, EndHour). StartHour > EndHour wraps
// past midnight: [StartHour, 24) plus [0, EndHour). EndHour may be 24.
type Policy struct {
	Enabled    bool
	Severities map[Severity]bool
	ActiveDays map[time.Weekday]bool
	StartHour  int
	EndHour    int
}

// Policy cache field names.
const (
	FieldEnabled    = "enabled"
	FieldSeverities = "severities"
	FieldActiveDays = "active_days"
	FieldStartHour  = "start_hour"
	FieldEndHour    = "end_hour"
)

// DefaultSeverities is used when no severity whitelist is stored.
func DefaultSeverities() map[Severity]bool {
	return map[Severity]bool{Disrupted: true, SeverelyDisrupted: true, Suspended: true}
}

func allDays() map[time.Weekday]bool {
	m := make(map[time.Weekday]bool, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		m[d] = true
	}
	return m
}

// DefaultPolicy is what applies when nothing is stored or the store failed.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:    false,
		Severities: DefaultSeverities(),
		ActiveDays: allDays(),
		StartHour:  0,
		EndHour:    24,
	}
}

// PolicyFromFields builds a policy from flat cache fields. Missing or
// malformed fields keep their default.
func PolicyFromFields(fields map[string]string) Policy {
	p := DefaultPolicy()
	if len(fields) == 0 {
		return p
	}
	if v, ok := fields[FieldEnabled]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			p.Enabled = b
		}
	}
	if v, ok := fields[FieldSeverities]; ok {
		set := map[Severity]bool{}
		for _, part := range splitList(v) {
			if sev, ok := ParseSeverity(part); ok && !sev.IsInformational() {
				set[sev] = true
			}
		}
		if len(set) > 0 {
			p.Severities = set
		}
	}
	if v, ok := fields[FieldActiveDays]; ok {
		set := map[time.Weekday]bool{}
		for _, part := range splitList(v) {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 || n > 6 {
				continue
			}
			set[time.Weekday(n)] = true
		}
		if len(set) > 0 {
			p.ActiveDays = set
		}
	}
	if n, ok := hourField(fields, FieldStartHour, 23); ok {
		p.StartHour = n
	}
	if n, ok := hourField(fields, FieldEndHour, 24); ok {
		p.EndHour = n
	}
	return p
}

// Fields is the inverse of PolicyFromFields.
func (p Policy) Fields() map[string]string {
	sevs := make([]string, 0, len(p.Severities))
	for s, on := range p.Severities {
		if on {
			sevs = append(sevs, string(s))
		}
	}
	sort.Slice(sevs, func(i, j int) bool {
		return Severity(sevs[i]).Rank() < Severity(sevs[j]).Rank()
	})
	days := make([]string, 0, len(p.ActiveDays))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if p.ActiveDays[d] {
			days = append(days, strconv.Itoa(int(d)))
		}
	}
	return map[string]string{
		FieldEnabled:    strconv.FormatBool(p.Enabled),
		FieldSeverities: strings.Join(sevs, ","),
		FieldActiveDays: strings.Join(days, ","),
		FieldStartHour:  strconv.Itoa(p.StartHour),
		FieldEndHour:    strconv.Itoa(p.EndHour),
	}
}

func hourField(fields map[string]string, key string, maxV int) (int, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 || n > maxV {
		return 0, false
	}
	return n, true
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
