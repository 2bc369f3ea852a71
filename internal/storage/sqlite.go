package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetProfile(ctx context.Context, subscriberID string) (incident.Profile, bool, error) {
	var (
		lines, stations string
		p               = incident.Profile{SubscriberID: subscriberID}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lines, stations, chat_id, thread_id FROM profiles WHERE subscriber_id = ?`, subscriberID,
	).Scan(&lines, &stations, &p.ChatID, &p.ThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, s.wrap("get profile", err)
	}
	if p.Lines, err = decodeList(lines); err != nil {
		return p, false, fmt.Errorf("profile %q lines: %w: %w", subscriberID, incident.ErrMalformedProfile, err)
	}
	if p.Stations, err = decodeList(stations); err != nil {
		return p, false, fmt.Errorf("profile %q stations: %w: %w", subscriberID, incident.ErrMalformedProfile, err)
	}
	return p, true, nil
}

func (s *sqliteStore) PutProfile(ctx context.Context, p incident.Profile) error {
	if strings.TrimSpace(p.SubscriberID) == "" {
		return errors.New("profile subscriber id is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(subscriber_id, lines, stations, chat_id, thread_id, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(subscriber_id) DO UPDATE SET
		   lines=excluded.lines, stations=excluded.stations,
		   chat_id=excluded.chat_id, thread_id=excluded.thread_id, updated_at=excluded.updated_at`,
		p.SubscriberID, encodeList(p.Lines), encodeList(p.Stations),
		p.ChatID, p.ThreadID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return s.wrap("put profile", err)
}

func (s *sqliteStore) PolicyFields(ctx context.Context, subscriberID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM policy_kv WHERE subscriber_id = ?`, subscriberID)
	if err != nil {
		return nil, s.wrap("policy fields", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, s.wrap("policy fields scan", err)
		}
		out[k] = v
	}
	return out, s.wrap("policy fields rows", rows.Err())
}

func (s *sqliteStore) PutPolicy(ctx context.Context, subscriberID string, p incident.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("put policy begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_kv WHERE subscriber_id = ?`, subscriberID); err != nil {
		return s.wrap("put policy delete", err)
	}
	for k, v := range p.Fields() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO policy_kv(subscriber_id, key, value) VALUES(?,?,?)`, subscriberID, k, v,
		); err != nil {
			return s.wrap("put policy insert", err)
		}
	}
	return s.wrap("put policy commit", tx.Commit())
}

func (s *sqliteStore) AppendIncident(ctx context.Context, ev incident.Event) error {
	if ev.ID == "" {
		return errors.New("incident id is empty")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents(id, author_id, line, station, direction, kind, severity, comment, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.AuthorID, ev.Line, ev.Station, ev.Direction, ev.Kind, string(ev.Severity), ev.Comment,
		ev.CreatedAt.UnixNano(),
	)
	return s.wrap("append incident", err)
}

func (s *sqliteStore) RecentIncidents(ctx context.Context, limit int) ([]incident.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, line, station, direction, kind, severity, comment, created_at
		 FROM incidents ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, s.wrap("recent incidents", err)
	}
	defer rows.Close()

	out := make([]incident.Event, 0, limit)
	for rows.Next() {
		var (
			ev  incident.Event
			sev string
			ns  int64
		)
		if err := rows.Scan(&ev.ID, &ev.AuthorID, &ev.Line, &ev.Station, &ev.Direction, &ev.Kind, &sev, &ev.Comment, &ns); err != nil {
			return nil, s.wrap("recent incidents scan", err)
		}
		ev.Severity = incident.Severity(sev)
		ev.CreatedAt = time.Unix(0, ns)
		out = append(out, ev)
	}
	return out, s.wrap("recent incidents rows", rows.Err())
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, subscriber_id, event_id, line, station, severity, chat_id, status, attempts, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		d.At.Format(time.RFC3339Nano), d.SubscriberID, d.EventID, nullStr(d.Line), nullStr(d.Station),
		nullStr(d.Severity), d.ChatID, d.Status, d.Attempts, nullStr(d.Error), d.TookMS,
	)
	return s.wrap("append delivery", err)
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return s.wrap("put dedup", err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.wrap("get dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, s.wrap("prune dedup", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// wrap maps a closed database onto ErrClosed so callers can tell it apart
// from transient failures.
func (s *sqliteStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Profile lists are stored as JSON arrays; station names may contain commas.
func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
