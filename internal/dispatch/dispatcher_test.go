package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transitwatch/internal/incident"
	kit "transitwatch/internal/transport"
	"transitwatch/pkg/logx"
)

type captureSink struct {
	titles, bodies []string
	metas          []Meta
	err            error
}

func (s *captureSink) Enqueue(_ context.Context, title, body string, meta Meta) error {
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, body)
	s.metas = append(s.metas, meta)
	return s.err
}

func metroCatalog() *Catalog {
	return NewCatalog([]incident.LineInfo{{ID: "Metro-1", Label: "Metro Line 1"}})
}

func TestDispatch_RendersAndEnqueuesOnce(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	d := New(metroCatalog(), sink, logx.Nop())
	ev := incident.Event{ID: "e1", Line: "Metro-1", Station: "Central", Kind: "signal failure", Severity: incident.Disrupted}

	res := d.Dispatch(context.Background(), "u1", ev, kit.ChatTarget{ChatID: 9})
	if !res.Delivered {
		t.Fatalf("Delivered = false, want true")
	}
	if len(sink.titles) != 1 {
		t.Fatalf("enqueues = %d, want 1", len(sink.titles))
	}
	if want := "⚠️ Metro Line 1 · disrupted"; sink.titles[0] != want {
		t.Fatalf("title = %q, want %q", sink.titles[0], want)
	}
	if want := "disrupted · signal failure @ Central"; sink.bodies[0] != want {
		t.Fatalf("body = %q, want %q", sink.bodies[0], want)
	}
	if m := sink.metas[0]; m.EventID != "e1" || m.SubscriberID != "u1" || m.Target.ChatID != 9 {
		t.Fatalf("meta = %+v", m)
	}
}

func TestDispatch_DuplicateNotDelivered(t *testing.T) {
	t.Parallel()
	sink := &captureSink{err: ErrDuplicate}
	d := New(metroCatalog(), sink, logx.Nop())
	ev := incident.Event{ID: "e1", Line: "Metro-1", Severity: incident.Disrupted}

	res := d.Dispatch(context.Background(), "u1", ev, kit.ChatTarget{ChatID: 9})
	if res.Delivered || !res.Duplicate {
		t.Fatalf("result = %+v, want Duplicate and not Delivered", res)
	}
	if len(sink.titles) != 1 {
		t.Fatalf("enqueues = %d, want 1", len(sink.titles))
	}
}

func TestDispatch_SinkFailureNotRetried(t *testing.T) {
	t.Parallel()
	sink := &captureSink{err: errors.New("queue full")}
	d := New(metroCatalog(), sink, logx.Nop())
	res := d.Dispatch(context.Background(), "u1", incident.Event{ID: "e1", Line: "Metro-1"}, kit.ChatTarget{})
	if res.Delivered {
		t.Fatalf("Delivered = true on sink failure")
	}
	if len(sink.titles) != 1 {
		t.Fatalf("enqueues = %d, want 1", len(sink.titles))
	}
}

func TestTitle_FallsBackToStation(t *testing.T) {
	t.Parallel()
	d := New(metroCatalog(), &captureSink{}, logx.Nop())
	tests := []struct {
		name string
		ev   incident.Event
		want string
	}{
		{"unknown line", incident.Event{Line: "Tram-4", Station: "Harbor", Severity: incident.Suspended}, "⛔ Harbor · suspended"},
		{"minor has no glyph", incident.Event{Line: "Metro-1", Severity: incident.Minor}, "Metro Line 1 · minor"},
		{"informational", incident.Event{Station: "Harbor"}, "ℹ️ Harbor · info"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.Title(tc.ev); got != tc.want {
				t.Fatalf("Title = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBody_Direction(t *testing.T) {
	t.Parallel()
	got := Body(incident.Event{Kind: "crowding", Station: "Central", Direction: "Airport", Severity: incident.SeverelyDisrupted})
	if !strings.Contains(got, "severely disrupted") || !strings.HasSuffix(got, "(towards Airport)") {
		t.Fatalf("Body = %q", got)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lines.yaml")
	data := "lines:\n  - id: Metro-1\n    label: Metro Line 1\n  - id: \"\"\n    label: skipped\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogFile: %v", err)
	}
	c := NewCatalog(lines)
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if info, ok := c.Lookup("Metro-1"); !ok || info.Label != "Metro Line 1" {
		t.Fatalf("Lookup = %+v, %v", info, ok)
	}
}
