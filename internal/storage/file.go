package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

// fileStore keeps everything in memory and persists it next to cfg.Path.
//
// Files:
//   - <prefix>.subscribers.json     (profiles + policies snapshot, rewritten on change)
//   - <prefix>.incidents.jsonl      (append-only incident journal)
//   - <prefix>.deliveries.jsonl     (append-only delivery log)
//   - <prefix>.dedup.snapshot.json  (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl  (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	subscribersPath string
	profiles        map[string]incident.Profile
	policies        map[string]map[string]string

	incidentFile *os.File
	incidents    []incident.Event // append order
	incidentIDs  map[string]struct{}
	maxIncidents int

	deliveryFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type subscribersSnapshot struct {
	Profiles map[string]incident.Profile  `json:"profiles"`
	Policies map[string]map[string]string `json:"policies"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		subscribersPath:   prefix + ".subscribers.json",
		profiles:          map[string]incident.Profile{},
		policies:          map[string]map[string]string{},
		incidentIDs:       map[string]struct{}{},
		maxIncidents:      cfg.MaxIncidents,
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	if s.maxIncidents <= 0 {
		s.maxIncidents = 5000
	}

	if err := s.loadSubscribers(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", s.subscribersPath, err)
	}

	incidentsPath := prefix + ".incidents.jsonl"
	if err := s.replayIncidents(incidentsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", incidentsPath, err)
	}

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now())

	var err error
	if s.incidentFile, err = os.OpenFile(incidentsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.deliveryFile, err = os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.incidentFile.Close()
		return nil, err
	}
	if s.dedupJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.incidentFile.Close()
		_ = s.deliveryFile.Close()
		return nil, err
	}
	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("profiles", len(s.profiles)),
		logx.Int("incidents", len(s.incidents)),
		logx.Int("dedup", len(s.dedup)),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, f := range []*os.File{s.incidentFile, s.deliveryFile, s.dedupJournalFile} {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ---- profiles & policies ----

func (s *fileStore) GetProfile(_ context.Context, subscriberID string) (incident.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return incident.Profile{}, false, ErrClosed
	}
	p, ok := s.profiles[subscriberID]
	if !ok {
		return incident.Profile{SubscriberID: subscriberID}, false, nil
	}
	p.Lines = append([]string(nil), p.Lines...)
	p.Stations = append([]string(nil), p.Stations...)
	return p, true, nil
}

func (s *fileStore) PutProfile(_ context.Context, p incident.Profile) error {
	if strings.TrimSpace(p.SubscriberID) == "" {
		return errors.New("profile subscriber id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.profiles[p.SubscriberID] = p
	return s.saveSubscribersLocked()
}

func (s *fileStore) PolicyFields(_ context.Context, subscriberID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(s.policies[subscriberID]))
	for k, v := range s.policies[subscriberID] {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) PutPolicy(_ context.Context, subscriberID string, p incident.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.policies[subscriberID] = p.Fields()
	return s.saveSubscribersLocked()
}

func (s *fileStore) loadSubscribers() error {
	b, err := os.ReadFile(s.subscribersPath)
	if err != nil {
		return err
	}
	var snap subscribersSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for k, v := range snap.Profiles {
		s.profiles[k] = v
	}
	for k, v := range snap.Policies {
		s.policies[k] = v
	}
	return nil
}

func (s *fileStore) saveSubscribersLocked() error {
	b, err := json.MarshalIndent(subscribersSnapshot{Profiles: s.profiles, Policies: s.policies}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.subscribersPath, b)
}

// ---- incidents ----

func (s *fileStore) AppendIncident(_ context.Context, ev incident.Event) error {
	if ev.ID == "" {
		return errors.New("incident id is empty")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, dup := s.incidentIDs[ev.ID]; dup {
		return fmt.Errorf("incident %q already exists", ev.ID)
	}
	if err := json.NewEncoder(s.incidentFile).Encode(ev); err != nil {
		return err
	}
	s.addIncidentLocked(ev)
	return nil
}

func (s *fileStore) addIncidentLocked(ev incident.Event) {
	s.incidents = append(s.incidents, ev)
	s.incidentIDs[ev.ID] = struct{}{}
	if over := len(s.incidents) - s.maxIncidents; over > 0 {
		for _, old := range s.incidents[:over] {
			delete(s.incidentIDs, old.ID)
		}
		s.incidents = append([]incident.Event(nil), s.incidents[over:]...)
	}
}

func (s *fileStore) RecentIncidents(_ context.Context, limit int) ([]incident.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	out := append([]incident.Event(nil), s.incidents...)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	incident.SortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) replayIncidents(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev incident.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil || ev.ID == "" {
			continue
		}
		if _, dup := s.incidentIDs[ev.ID]; dup {
			continue
		}
		s.addIncidentLocked(ev)
	}
	return sc.Err()
}

// ---- deliveries ----

func (s *fileStore) AppendDelivery(_ context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveryFile).Encode(d)
}

// ---- dedup ----

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(time.Now()); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PruneDedup(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	before := len(s.dedup)
	if err := s.compactLocked(now); err != nil {
		return before - len(s.dedup), err
	}
	return before - len(s.dedup), nil
}

func (s *fileStore) compactLocked(now time.Time) error {
	pruneExpiredDedup(s.dedup, now)

	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.dedupSnapshotPath, b); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
