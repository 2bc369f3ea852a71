// Package incident holds the shared data model of the board: incident events,
// severities, subscriber profiles and delivery policies.
package incident

import (
	"sort"
	"strings"
	"time"
)

// Severity classifies how badly an incident affects service.
// The empty severity marks an informational post.
type Severity string

const (
	Informational     Severity = ""
	NoImpact          Severity = "no-impact"
	Minor             Severity = "minor"
	Disrupted         Severity = "disrupted"
	SeverelyDisrupted Severity = "severely-disrupted"
	Suspended         Severity = "suspended"
)

// Severities lists the taxonomy in ascending order of impact.
var Severities = []Severity{NoImpact, Minor, Disrupted, SeverelyDisrupted, Suspended}

// ParseSeverity normalizes s and reports whether it names a known severity.
// "info" and "informational" map to Informational.
func ParseSeverity(s string) (Severity, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "", "info", "informational":
		return Informational, true
	}
	for _, sev := range Severities {
		if string(sev) == s {
			return sev, true
		}
	}
	return Informational, false
}

func (s Severity) IsInformational() bool { return s == Informational }

// Rank returns the position of s in the taxonomy, or -1 for informational.
func (s Severity) Rank() int {
	for i, sev := range Severities {
		if sev == s {
			return i
		}
	}
	return -1
}

// Label is the human wording used in notification titles and bodies.
func (s Severity) Label() string {
	switch s {
	case NoImpact:
		return "no impact"
	case Minor:
		return "minor"
	case Disrupted:
		return "disrupted"
	case SeverelyDisrupted:
		return "severely disrupted"
	case Suspended:
		return "suspended"
	default:
		return "info"
	}
}

// Glyph returns the title marker; no-impact and minor have none.
func (s Severity) Glyph() string {
	switch s {
	case Disrupted:
		return "⚠️"
	case SeverelyDisrupted:
		return "🚧"
	case Suspended:
		return "⛔"
	case Informational:
		return "ℹ️"
	default:
		return ""
	}
}

// Event is one entry of the incident feed. Events are append-only; ID and
// CreatedAt never change once observed.
type Event struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Line      string    `json:"line"`
	Station   string    `json:"station"`
	Direction string    `json:"direction,omitempty"`
	Kind      string    `json:"kind"`
	Severity  Severity  `json:"severity,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SortNewestFirst orders events by creation time descending, ties broken by id.
func SortNewestFirst(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].CreatedAt.After(evs[j].CreatedAt)
		}
		return evs[i].ID > evs[j].ID
	})
}

// LineInfo is display metadata for a transit line.
type LineInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
}
