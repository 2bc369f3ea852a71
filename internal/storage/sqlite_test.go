package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"transitwatch/internal/incident"
	"transitwatch/internal/profile"
	"transitwatch/pkg/logx"
)

func TestSQLiteStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tw.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	p := incident.Profile{SubscriberID: "u1", Lines: []string{"Metro-1", "Metro-2"}, ChatID: 7, ThreadID: 3}
	if err := st.PutProfile(ctx, p); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	got, ok, err := st.GetProfile(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("GetProfile ok=%v err=%v", ok, err)
	}
	if len(got.Lines) != 2 || got.Lines[1] != "Metro-2" || len(got.Stations) != 0 || got.ThreadID != 3 {
		t.Fatalf("profile = %+v", got)
	}

	pol := incident.DefaultPolicy()
	pol.Enabled = true
	pol.Severities = map[incident.Severity]bool{incident.Suspended: true}
	if err := st.PutPolicy(ctx, "u1", pol); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	fields, err := st.PolicyFields(ctx, "u1")
	if err != nil {
		t.Fatalf("PolicyFields: %v", err)
	}
	if fields[incident.FieldSeverities] != "suspended" || fields[incident.FieldEnabled] != "true" {
		t.Fatalf("fields = %v", fields)
	}

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		ev := incident.Event{ID: id, Line: "Metro-1", Severity: incident.Disrupted, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := st.AppendIncident(ctx, ev); err != nil {
			t.Fatalf("AppendIncident: %v", err)
		}
	}
	evs, err := st.RecentIncidents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentIncidents: %v", err)
	}
	if len(evs) != 3 || evs[0].ID != "e3" || evs[0].Severity != incident.Disrupted {
		t.Fatalf("RecentIncidents = %+v", evs)
	}

	if err := st.AppendDelivery(ctx, Delivery{SubscriberID: "u1", EventID: "e3", Status: "sent"}); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}

	now := time.Now()
	_ = st.PutDedup(ctx, "k1", now.Add(-time.Second))
	_ = st.PutDedup(ctx, "k2", now.Add(time.Hour))
	if n, err := st.PruneDedup(ctx, now); err != nil || n != 1 {
		t.Fatalf("PruneDedup = %d, %v; want 1, nil", n, err)
	}
	if _, ok, _ := st.GetDedup(ctx, "k2"); !ok {
		t.Fatalf("k2 missing after prune")
	}
}

func TestSQLiteStore_PolicyFieldsQueryError(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	boom := errors.New("disk I/O error")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM policy_kv")).
		WithArgs("u1").
		WillReturnError(boom)

	st := newSQLiteStore(db, logx.Nop())
	if _, err := st.PolicyFields(context.Background(), "u1"); !errors.Is(err, boom) {
		t.Fatalf("PolicyFields err = %v, want %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// countingProfiles counts reads that reach the store.
type countingProfiles struct {
	Store
	reads int
}

func (c *countingProfiles) GetProfile(ctx context.Context, id string) (incident.Profile, bool, error) {
	c.reads++
	return c.Store.GetProfile(ctx, id)
}

func TestSQLiteStore_GetProfileMalformedList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		lines, stations string
	}{
		{"lines", "{not json", "[]"},
		{"stations", `["Metro-1"]`, "Central"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock: %v", err)
			}
			defer db.Close()

			rows := sqlmock.NewRows([]string{"lines", "stations", "chat_id", "thread_id"}).
				AddRow(tt.lines, tt.stations, int64(1), 0)
			mock.ExpectQuery(regexp.QuoteMeta("SELECT lines, stations, chat_id, thread_id FROM profiles")).
				WithArgs("u1").
				WillReturnRows(rows)

			st := &countingProfiles{Store: newSQLiteStore(db, logx.Nop())}
			l := profile.NewLoader(st, profile.Options{Attempts: 3, Delay: time.Millisecond}, logx.Nop())
			_, err = l.Load(context.Background(), "u1")
			if !errors.Is(err, profile.ErrMalformed) || !errors.Is(err, profile.ErrLoad) {
				t.Fatalf("Load err = %v, want ErrLoad wrapping ErrMalformed", err)
			}
			if st.reads != 1 {
				t.Fatalf("reads = %d, want 1 (malformed records are not retried)", st.reads)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestSQLiteStore_ClosedDatabase(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectClose()
	st := newSQLiteStore(db, logx.Nop())
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.RecentIncidents(context.Background(), 5); !errors.Is(err, ErrClosed) {
		t.Fatalf("RecentIncidents err = %v, want ErrClosed", err)
	}
}
