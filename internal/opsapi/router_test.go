package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transitwatch/internal/dispatch"
	"transitwatch/internal/feed"
	"transitwatch/internal/incident"
	"transitwatch/internal/notifier"
	"transitwatch/internal/session"
	"transitwatch/pkg/logx"
)

type profiles map[string]incident.Profile

func (p profiles) Load(_ context.Context, id string) (incident.Profile, error) {
	return p[id], nil
}

type allowAll struct{}

func (allowAll) Read(context.Context, string) incident.Policy {
	p := incident.DefaultPolicy()
	p.Enabled = true
	return p
}

type nopSink struct{}

func (nopSink) Enqueue(context.Context, string, string, dispatch.Meta) error { return nil }

type history []notifier.HistoryItem

func (h history) Snapshot() []notifier.HistoryItem { return h }

func newTestAPI(t *testing.T, token string) (http.Handler, *session.Manager, *feed.Hub) {
	t.Helper()
	hub := feed.NewHub(feed.HubOptions{}, logx.Nop())
	m := session.NewManager(session.Deps{
		Profiles: profiles{
			"u1": {SubscriberID: "u1", Lines: []string{"Metro-1"}, ChatID: 1},
		},
		Feed:       hub,
		Policies:   allowAll{},
		Dispatcher: dispatch.New(dispatch.NewCatalog(nil), nopSink{}, logx.Nop()),
		Location:   time.UTC,
	})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	deps := Deps{
		Sessions:   m,
		Incidents:  hub,
		Deliveries: history{{Status: notifier.StatusSent, SubscriberID: "u1", EventID: "e1"}},
		Health:     func() map[string]any { return map[string]any{"feed_events": hub.Len()} },
	}
	return Router(deps, Config{Token: token}, logx.Nop()), m, hub
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestAPI(t, "")
	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["feed_events"]; !ok {
		t.Fatalf("health extras missing: %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	h, m, _ := newTestAPI(t, "")

	rec := do(t, h, http.MethodPut, "/sessions/u1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d (%s), want 200", rec.Code, rec.Body.String())
	}
	if _, ok := m.Get("u1"); !ok {
		t.Fatalf("session not registered")
	}

	rec = do(t, h, http.MethodGet, "/sessions", "", "")
	var list []session.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].SubscriberID != "u1" || list[0].Lines[0] != "Metro-1" {
		t.Fatalf("sessions = %+v", list)
	}

	// A second PUT restarts.
	first, _ := m.Get("u1")
	if rec := do(t, h, http.MethodPut, "/sessions/u1", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("restart status = %d", rec.Code)
	}
	if second, _ := m.Get("u1"); second == first {
		t.Fatalf("PUT on a running session did not restart it")
	}

	if rec := do(t, h, http.MethodDelete, "/sessions/u1", "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/sessions/u1", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want 404", rec.Code)
	}
}

func TestStartSession_NoInterests(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestAPI(t, "")
	if rec := do(t, h, http.MethodPut, "/sessions/ghost", "", ""); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()
	h, _, hub := newTestAPI(t, "")
	cases := []struct {
		name, body string
		want       int
	}{
		{"ok", `{"author_id":"u2","line":"Metro-1","kind":"signal failure","severity":"disrupted"}`, http.StatusCreated},
		{"underscore severity", `{"line":"Metro-1","severity":"severely_disrupted"}`, http.StatusCreated},
		{"no topic", `{"kind":"x"}`, http.StatusBadRequest},
		{"bad severity", `{"line":"Metro-1","severity":"apocalyptic"}`, http.StatusBadRequest},
		{"unknown field", `{"line":"Metro-1","colour":"red"}`, http.StatusBadRequest},
	}
	created := 0
	for _, tc := range cases {
		rec := do(t, h, http.MethodPost, "/incidents", tc.body, "")
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d (%s), want %d", tc.name, rec.Code, rec.Body.String(), tc.want)
		}
		if rec.Code == http.StatusCreated {
			created++
			var ev incident.Event
			if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil || ev.ID == "" {
				t.Fatalf("%s: event = %+v, %v", tc.name, ev, err)
			}
		}
	}
	if hub.Len() != created {
		t.Fatalf("hub len = %d, want %d", hub.Len(), created)
	}
}

func TestAuth_GuardsMutations(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestAPI(t, "s3cret")
	tests := []struct {
		name, header string
		want         int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer wrong", http.StatusUnauthorized},
		{"prefix of token", "Bearer s3cre", http.StatusUnauthorized},
		{"token plus suffix", "Bearer s3cret2", http.StatusUnauthorized},
		{"no scheme", "s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusCreated},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/incidents", strings.NewReader(`{"line":"Metro-1"}`))
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if rec := do(t, h, http.MethodGet, "/sessions", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("read route status = %d, want 200", rec.Code)
	}
}

func TestRecentDeliveries(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestAPI(t, "")
	rec := do(t, h, http.MethodGet, "/notifications/recent", "", "")
	var items []notifier.HistoryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].EventID != "e1" {
		t.Fatalf("items = %+v", items)
	}
}

func TestService_StartStop(t *testing.T) {
	t.Parallel()
	_, m, hub := newTestAPI(t, "")
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Sessions: m, Incidents: hub}, logx.Nop())
	s.Start(context.Background())
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("server not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil {
		t.Fatalf("supervisor still set after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8089":          false,
		"0.0.0.0:8089":   false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
