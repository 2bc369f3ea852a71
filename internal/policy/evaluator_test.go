package policy

import (
	"testing"
	"time"

	"transitwatch/internal/incident"
)

// 2026-03-02 is a Monday.
func at(day, hour int) time.Time {
	return time.Date(2026, 3, day, hour, 30, 0, 0, time.UTC)
}

func enabled() incident.Policy {
	p := incident.DefaultPolicy()
	p.Enabled = true
	return p
}

func TestAllowed_DisabledDenies(t *testing.T) {
	t.Parallel()
	p := incident.DefaultPolicy()
	if Allowed(p, at(2, 12), incident.Suspended) {
		t.Fatalf("disabled policy allowed delivery")
	}
}

func TestAllowed_MidnightWraparound(t *testing.T) {
	t.Parallel()
	p := enabled()
	p.StartHour, p.EndHour = 23, 2

	for hour := 0; hour < 24; hour++ {
		want := hour == 23 || hour == 0 || hour == 1
		if got := Allowed(p, at(2, hour), incident.Disrupted); got != want {
			t.Fatalf("hour %d: Allowed = %v, want %v", hour, got, want)
		}
	}
}

func TestAllowed_SameDayWindow(t *testing.T) {
	t.Parallel()
	p := enabled()
	p.StartHour, p.EndHour = 8, 18
	for h := 0; h < 24; h++ {
		want := h >= 8 && h <= 17
		if got := Allowed(p, at(2, h), incident.Disrupted); got != want {
			t.Fatalf("hour %d: Allowed = %v, want %v", h, got, want)
		}
	}
}

func TestAllowed_AllDayWindow(t *testing.T) {
	t.Parallel()
	p := enabled()
	p.StartHour, p.EndHour = 0, 24
	for h := 0; h < 24; h++ {
		if !Allowed(p, at(2, h), incident.Disrupted) {
			t.Fatalf("hour %d denied by {0,24}", h)
		}
	}
}

func TestAllowed_DayGate(t *testing.T) {
	t.Parallel()
	p := enabled()
	p.ActiveDays = map[time.Weekday]bool{time.Monday: true, time.Tuesday: true, time.Wednesday: true, time.Thursday: true, time.Friday: true}

	if Allowed(p, at(1, 12), incident.Disrupted) { // Sunday
		t.Fatalf("Sunday allowed with weekday-only policy")
	}
	if !Allowed(p, at(2, 12), incident.Disrupted) { // Monday
		t.Fatalf("Monday denied with weekday-only policy")
	}
}

func TestAllowed_SeverityWhitelist(t *testing.T) {
	t.Parallel()
	p := enabled()
	p.Severities = map[incident.Severity]bool{incident.Disrupted: true, incident.Suspended: true}

	tests := []struct {
		name string
		sev  incident.Severity
		want bool
	}{
		{"listed", incident.Disrupted, true},
		{"unlisted", incident.Minor, false},
		{"informational bypasses", incident.Informational, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(p, at(2, 12), tc.sev); got != tc.want {
				t.Fatalf("Allowed(%q) = %v, want %v", tc.sev, got, tc.want)
			}
		})
	}
}

func TestAllowed_Pure(t *testing.T) {
	t.Parallel()
	p := enabled()
	p.StartHour, p.EndHour = 23, 2
	now := at(3, 0)
	first := Allowed(p, now, incident.Suspended)
	for i := 0; i < 100; i++ {
		if Allowed(p, now, incident.Suspended) != first {
			t.Fatalf("Allowed not deterministic on call %d", i)
		}
	}
}
