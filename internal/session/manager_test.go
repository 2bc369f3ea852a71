package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"transitwatch/internal/feed"
	"transitwatch/internal/incident"
)

func TestManager_StartIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, metroProfile())
	m := NewManager(f.deps)
	defer m.StopAll(context.Background())

	a, err := m.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	b, err := m.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if a != b {
		t.Fatalf("second Start created a new session")
	}
	if got := len(m.Active()); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
}

func TestManager_NoInterestsNotRegistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profiles{})
	m := NewManager(f.deps)
	if _, err := m.Start(context.Background(), "x"); !errors.Is(err, ErrNoInterests) {
		t.Fatalf("err = %v, want ErrNoInterests", err)
	}
	if got := len(m.Active()); got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
}

func TestManager_StopAndRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, metroProfile())
	m := NewManager(f.deps)
	defer m.StopAll(context.Background())

	first, err := m.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := m.Restart(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if first == second {
		t.Fatalf("Restart reused the old session")
	}
	if first.State() != StateStopped {
		t.Fatalf("old state = %v, want stopped", first.State())
	}
	ok, err := m.Stop(context.Background(), "u1")
	if !ok || err != nil {
		t.Fatalf("Stop = %v, %v", ok, err)
	}
	if ok, _ := m.Stop(context.Background(), "u1"); ok {
		t.Fatalf("second Stop reported a running session")
	}
}

func TestManager_SwitchSubscriber(t *testing.T) {
	t.Parallel()
	prof := metroProfile()
	prof["u2"] = incident.Profile{SubscriberID: "u2", Stations: []string{"Central"}, ChatID: 7}
	f := newFixture(t, prof)
	m := NewManager(f.deps)
	defer m.StopAll(context.Background())

	old, err := m.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Switch(context.Background(), "u1", "u2"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if old.State() != StateStopped {
		t.Fatalf("previous session still %v", old.State())
	}
	active := m.Active()
	if len(active) != 1 || active[0].SubscriberID != "u2" {
		t.Fatalf("active = %+v, want only u2", active)
	}
}

func TestManager_FailureReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, metroProfile())
	m := NewManager(f.deps)
	s, err := m.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "baseline", func() bool { return s.State() == StateListening })

	f.hub.Close()
	select {
	case fl := <-m.Failures():
		if fl.SubscriberID != "u1" || !errors.Is(fl.Err, feed.ErrClosed) {
			t.Fatalf("failure = %+v", fl)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no failure reported")
	}
	waitFor(t, "deregistration", func() bool { return len(m.Active()) == 0 })
}
