package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"transitwatch/internal/config"
	"transitwatch/internal/incident"
	"transitwatch/internal/session"
	"transitwatch/internal/transport/logsink"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApp_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "data")+`
feed:
  driver: hub
notifier:
  enabled: true
  dedup_window: 1h
  persist_dedup: true
lines:
  items:
    - id: Metro-1
      label: Metro Line 1
session:
  timezone: UTC
`)
	ctx := context.Background()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	if err := a.store.PutProfile(ctx, incident.Profile{SubscriberID: "u1", Lines: []string{"Metro-1"}, ChatID: 77}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	pol := incident.DefaultPolicy()
	pol.Enabled = true
	if err := a.policies.PutPolicy(ctx, "u1", pol); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}

	s, err := a.Sessions().Start(ctx, "u1")
	if err != nil {
		t.Fatalf("session Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.State() != session.StateListening {
		if time.Now().After(deadline) {
			t.Fatalf("session never listened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, ev := range []incident.Event{
		{AuthorID: "u2", Line: "Metro-1", Station: "Central", Kind: "signal failure", Severity: incident.Disrupted},
		{AuthorID: "u2", Line: "Metro-1", Severity: incident.Minor},
		{AuthorID: "u1", Line: "Metro-1", Severity: incident.Suspended},
	} {
		if _, err := a.ingest.Ingest(ctx, ev); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	sink := a.sender.(*logsink.Sender)
	deadline = time.Now().Add(3 * time.Second)
	for len(sink.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no notification sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Let the rest of the batch go through the filter.
	for s.Stats().Candidates < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("candidates = %d, want 3", s.Stats().Candidates)
		}
		time.Sleep(5 * time.Millisecond)
	}
	sent := sink.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if sent[0].To.ChatID != 77 || !strings.Contains(sent[0].Text, "Metro Line 1") {
		t.Fatalf("sent = %+v", sent[0])
	}
}

func TestApp_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "feed:\n  driver: smoke-signals\n")
	if _, err := New(context.Background(), path); err == nil {
		t.Fatalf("New err = nil, want validation error")
	}
}

func TestMapNotifierConfig_Defaults(t *testing.T) {
	t.Parallel()
	n, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if !n.Enabled || n.DedupWindow != 6*time.Hour {
		t.Fatalf("defaults = %+v", n)
	}
	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryBase: "fast"}}); err == nil {
		t.Fatalf("bad retry_base accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{config.StorageConfig{}, "file", false},
		{config.StorageConfig{Driver: "sqlite", Path: "x.db"}, "sqlite", false},
		{config.StorageConfig{Driver: "sqlite"}, "", true},
		{config.StorageConfig{Driver: "etcd"}, "", true},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("mapStorageConfig(%+v) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if err == nil && got.Driver != tc.driver {
			t.Fatalf("driver = %q, want %q", got.Driver, tc.driver)
		}
	}
}

func TestLoadLines_InlineOverridesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := filepath.Join(dir, "lines.yaml")
	if err := os.WriteFile(f, []byte("lines:\n  - id: M1\n    label: File Label\n  - id: M2\n    label: Two\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	lines, err := loadLines(&config.Config{Lines: config.LinesConfig{
		File:  f,
		Items: []incident.LineInfo{{ID: "M1", Label: "Inline Label"}},
	}})
	if err != nil {
		t.Fatalf("loadLines: %v", err)
	}
	if len(lines) != 3 || lines[2].Label != "Inline Label" {
		t.Fatalf("lines = %+v", lines)
	}
}
