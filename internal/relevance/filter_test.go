package relevance

import (
	"testing"
	"time"

	"transitwatch/internal/incident"
)

func openPolicy() incident.Policy {
	p := incident.DefaultPolicy()
	p.Enabled = true
	p.Severities = map[incident.Severity]bool{
		incident.Minor: true, incident.Disrupted: true, incident.SeverelyDisrupted: true, incident.Suspended: true,
	}
	return p
}

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	prof := incident.Profile{SubscriberID: "u1", Lines: []string{"Metro-1"}, Stations: []string{"Harbor"}}

	tests := []struct {
		name string
		ev   incident.Event
		pol  incident.Policy
		want Reason
	}{
		{
			name: "self authored with everything matching",
			ev:   incident.Event{AuthorID: "u1", Line: "Metro-1", Station: "Harbor", Severity: incident.Suspended},
			pol:  openPolicy(),
			want: SelfAuthored,
		},
		{
			name: "line match only",
			ev:   incident.Event{AuthorID: "u2", Line: "Metro-1", Station: "Elsewhere", Severity: incident.Disrupted},
			pol:  openPolicy(),
			want: Accepted,
		},
		{
			name: "station match only",
			ev:   incident.Event{AuthorID: "u2", Line: "Bus-9", Station: "Harbor", Severity: incident.Disrupted},
			pol:  openPolicy(),
			want: Accepted,
		},
		{
			name: "neither matches",
			ev:   incident.Event{AuthorID: "u2", Line: "Bus-9", Station: "Elsewhere", Severity: incident.Disrupted},
			pol:  openPolicy(),
			want: NoTopicMatch,
		},
		{
			name: "policy disabled",
			ev:   incident.Event{AuthorID: "u2", Line: "Metro-1", Severity: incident.Disrupted},
			pol:  incident.DefaultPolicy(),
			want: PolicyDenied,
		},
		{
			name: "informational bypasses severity",
			ev:   incident.Event{AuthorID: "u2", Line: "Metro-1"},
			pol: func() incident.Policy {
				p := openPolicy()
				p.Severities = map[incident.Severity]bool{incident.Suspended: true}
				return p
			}(),
			want: Accepted,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.ev, prof, tc.pol, "u1", noon)
			if d.Reason != tc.want {
				t.Fatalf("reason = %s, want %s", d.Reason, tc.want)
			}
			if d.Deliver != (tc.want == Accepted) {
				t.Fatalf("deliver = %v for reason %s", d.Deliver, d.Reason)
			}
			if ShouldDeliver(tc.ev, prof, tc.pol, "u1", noon) != d.Deliver {
				t.Fatalf("ShouldDeliver disagrees with Evaluate")
			}
		})
	}
}
