package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

func openTestFileStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"none", "mongo"} {
		if _, err := Open(Config{Driver: d}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
			t.Fatalf("Open(%s) err = %v, want ErrUnknownDriver", d, err)
		}
	}
	if got := normalizeDriver(" SQLite3 "); got != "sqlite" {
		t.Fatalf("normalizeDriver = %q, want sqlite", got)
	}
	if got := normalizeDriver(""); got != "file" {
		t.Fatalf("normalizeDriver(\"\") = %q, want file", got)
	}
}

func TestFileStore_ProfilesAndPoliciesSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestFileStore(t, dir)
	if _, ok, err := st.GetProfile(ctx, "u1"); err != nil || ok {
		t.Fatalf("GetProfile(missing) ok=%v err=%v", ok, err)
	}
	want := incident.Profile{SubscriberID: "u1", Lines: []string{"Metro-1"}, Stations: []string{"Central, North"}, ChatID: 42}
	if err := st.PutProfile(ctx, want); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	pol := incident.DefaultPolicy()
	pol.Enabled = true
	pol.StartHour, pol.EndHour = 23, 2
	if err := st.PutPolicy(ctx, "u1", pol); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestFileStore(t, dir)
	defer st.Close()
	got, ok, err := st.GetProfile(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("GetProfile ok=%v err=%v", ok, err)
	}
	if got.ChatID != 42 || len(got.Stations) != 1 || got.Stations[0] != "Central, North" {
		t.Fatalf("profile = %+v", got)
	}
	fields, err := st.PolicyFields(ctx, "u1")
	if err != nil {
		t.Fatalf("PolicyFields: %v", err)
	}
	back := incident.PolicyFromFields(fields)
	if !back.Enabled || back.StartHour != 23 || back.EndHour != 2 {
		t.Fatalf("policy = %+v", back)
	}
}

func TestFileStore_RecentIncidentsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestFileStore(t, dir)

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := st.AppendIncident(ctx, incident.Event{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("AppendIncident(%s): %v", id, err)
		}
	}
	if err := st.AppendIncident(ctx, incident.Event{ID: "b"}); err == nil {
		t.Fatalf("duplicate id should fail")
	}
	_ = st.Close()

	st = openTestFileStore(t, dir)
	defer st.Close()
	got, err := st.RecentIncidents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentIncidents: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("RecentIncidents = %+v, want [c b]", got)
	}
}

func TestFileStore_DedupPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestFileStore(t, t.TempDir())
	defer st.Close()

	now := time.Now()
	_ = st.PutDedup(ctx, "old", now.Add(-time.Minute))
	_ = st.PutDedup(ctx, "new", now.Add(time.Hour))

	n, err := st.PruneDedup(ctx, now)
	if err != nil {
		t.Fatalf("PruneDedup: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, ok, _ := st.GetDedup(ctx, "old"); ok {
		t.Fatalf("old entry still present")
	}
	if _, ok, _ := st.GetDedup(ctx, "new"); !ok {
		t.Fatalf("new entry missing")
	}
}

func TestFileStore_ClosedReturnsErrClosed(t *testing.T) {
	t.Parallel()
	st := openTestFileStore(t, t.TempDir())
	_ = st.Close()
	if _, err := st.PolicyFields(context.Background(), "u1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("PolicyFields after close err = %v, want ErrClosed", err)
	}
	if _, err := st.RecentIncidents(context.Background(), 10); !errors.Is(err, ErrClosed) {
		t.Fatalf("RecentIncidents after close err = %v, want ErrClosed", err)
	}
}
