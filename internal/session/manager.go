package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"transitwatch/pkg/logx"
)

// Failure reports a session that ended on its own with an error.
type Failure struct {
	SubscriberID string
	Err          error
	At           time.Time
}

// Info describes a running session.
type Info struct {
	SubscriberID string   `json:"subscriber_id"`
	State        string   `json:"state"`
	Lines        []string `json:"lines"`
	Stations     []string `json:"stations"`
	Stats        Stats    `json:"stats"`
}

// Manager keeps at most one session per subscriber.
type Manager struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	failures chan Failure
}

func NewManager(deps Deps) *Manager {
	deps.normalize()
	return &Manager{
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "session.manager")),
		sessions: map[string]*Session{},
		failures: make(chan Failure, 32),
	}
}

// Failures delivers sessions that stopped with an error. Slow readers lose
// entries.
func (m *Manager) Failures() <-chan Failure { return m.failures }

// Start runs a session for subscriberID, or returns the one already running.
func (m *Manager) Start(ctx context.Context, subscriberID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[subscriberID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := New(subscriberID, m.deps)
	m.sessions[subscriberID] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[subscriberID] == s {
			delete(m.sessions, subscriberID)
		}
		m.mu.Unlock()
		if !errors.Is(err, ErrNoInterests) {
			m.log.Warn("session start failed", logx.Subscriber(subscriberID), logx.Err(err))
		}
		return nil, err
	}
	go m.watch(s)
	return s, nil
}

func (m *Manager) watch(s *Session) {
	<-s.Done()
	m.mu.Lock()
	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()

	err := s.Err()
	if err == nil {
		return
	}
	select {
	case m.failures <- Failure{SubscriberID: s.ID(), Err: err, At: m.deps.Now()}:
	default:
		m.log.Warn("failure channel full", logx.Subscriber(s.ID()), logx.Err(err))
	}
}

// Stop ends the subscriber's session. It reports whether one was running.
func (m *Manager) Stop(ctx context.Context, subscriberID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[subscriberID]
	delete(m.sessions, subscriberID)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Stop(ctx)
}

// Restart stops any running session and starts a fresh one, which reloads
// the profile.
func (m *Manager) Restart(ctx context.Context, subscriberID string) (*Session, error) {
	if _, err := m.Stop(ctx, subscriberID); err != nil {
		return nil, err
	}
	return m.Start(ctx, subscriberID)
}

// Switch moves the process from one subscriber to another. from is stopped
// before to is started.
func (m *Manager) Switch(ctx context.Context, from, to string) (*Session, error) {
	if from != "" {
		if _, err := m.Stop(ctx, from); err != nil {
			return nil, err
		}
	}
	return m.Start(ctx, to)
}

// StopAll stops every session concurrently and waits for them.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				m.log.Warn("session stop", logx.Subscriber(s.ID()), logx.Err(err))
			}
		}(s)
	}
	wg.Wait()
}

func (m *Manager) Get(subscriberID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[subscriberID]
	return s, ok
}

// Active lists running sessions sorted by subscriber id.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		p := s.Profile()
		out = append(out, Info{
			SubscriberID: s.ID(),
			State:        s.State().String(),
			Lines:        p.Lines,
			Stations:     p.Stations,
			Stats:        s.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out
}
