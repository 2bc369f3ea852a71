package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transitwatch/internal/incident"
	"transitwatch/internal/storage"
	"transitwatch/pkg/logx"
)

type memIncidents struct {
	mu   sync.Mutex
	evs  []incident.Event
	fail error
}

func (m *memIncidents) AppendIncident(_ context.Context, ev incident.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	return nil
}

func (m *memIncidents) RecentIncidents(_ context.Context, limit int) ([]incident.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := append([]incident.Event(nil), m.evs...)
	incident.SortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memIncidents) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func TestPoller_BaselineThenNewOnly(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	st := &memIncidents{evs: []incident.Event{{ID: "b1", CreatedAt: base}}}
	p := NewPoller(st, PollerOptions{Interval: 5 * time.Millisecond}, logx.Nop())

	r := newRecorder()
	sub, err := p.Subscribe(context.Background(), r.onSnapshot, r.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	r.wait(t, 1)

	st.mu.Lock()
	for i := 1; i <= 2; i++ {
		st.evs = append(st.evs, incident.Event{ID: fmt.Sprintf("n%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	st.mu.Unlock()
	r.wait(t, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps[0].Changes) != 1 || r.snaps[0].Changes[0].Event.ID != "b1" {
		t.Fatalf("baseline = %+v", r.snaps[0])
	}
	var ids []string
	for _, s := range r.snaps[1:] {
		for _, c := range s.Changes {
			ids = append(ids, c.Event.ID)
		}
	}
	if len(ids) != 2 || ids[0] != "n1" || ids[1] != "n2" {
		t.Fatalf("added ids = %v, want n1 before n2", ids)
	}
}

func TestPoller_ClosedStoreIsPermanent(t *testing.T) {
	t.Parallel()
	st := &memIncidents{}
	p := NewPoller(st, PollerOptions{Interval: 5 * time.Millisecond}, logx.Nop())
	r := newRecorder()
	sub, err := p.Subscribe(context.Background(), r.onSnapshot, r.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	r.wait(t, 1)

	st.setFail(fmt.Errorf("recent incidents: %w", storage.ErrClosed))
	r.wait(t, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) != 1 || !IsPermanent(r.errs[0]) || !errors.Is(r.errs[0], storage.ErrClosed) {
		t.Fatalf("errs = %v, want one permanent ErrClosed", r.errs)
	}
}

func TestPoller_IngestAssignsIdentity(t *testing.T) {
	t.Parallel()
	st := &memIncidents{}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	p := NewPoller(st, PollerOptions{Now: func() time.Time { return now }}, logx.Nop())
	ev, err := p.Ingest(context.Background(), incident.Event{Line: "Metro-1"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ev.ID == "" || !ev.CreatedAt.Equal(now) {
		t.Fatalf("ingested = %+v", ev)
	}
	if len(st.evs) != 1 {
		t.Fatalf("stored = %d, want 1", len(st.evs))
	}
}
