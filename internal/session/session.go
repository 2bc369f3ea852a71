// Package session runs one subscriber's incident listener: it loads the
// profile, watches the feed, filters new events and hands accepted ones to
// the dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"transitwatch/internal/dispatch"
	"transitwatch/internal/eventbus"
	"transitwatch/internal/feed"
	"transitwatch/internal/incident"
	"transitwatch/internal/relevance"
	rtsup "transitwatch/internal/runtime/supervisor"
	kit "transitwatch/internal/transport"
	"transitwatch/pkg/logx"
)

var (
	// ErrNoInterests means the subscriber follows no line or station; no
	// listener is started.
	ErrNoInterests = errors.New("subscriber has no line or station interests")
	ErrStarted     = errors.New("session already started")
)

type State int32

const (
	StateUnstarted State = iota
	StateAwaitingBaseline
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateAwaitingBaseline:
		return "awaiting_baseline"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type ProfileLoader interface {
	Load(ctx context.Context, subscriberID string) (incident.Profile, error)
}

type PolicyReader interface {
	Read(ctx context.Context, subscriberID string) incident.Policy
}

type Dispatcher interface {
	Dispatch(ctx context.Context, subscriberID string, ev incident.Event, to kit.ChatTarget) dispatch.Result
}

// Deps are shared by every session of a process.
type Deps struct {
	Profiles   ProfileLoader
	Feed       feed.Source
	Policies   PolicyReader
	Dispatcher Dispatcher
	Bus        eventbus.Bus // optional

	// Location is the zone policy hours and days are evaluated in.
	Location *time.Location
	Now      func() time.Time
	// QueueSize bounds feed items waiting for the session loop.
	QueueSize int
	Log       logx.Logger
}

func (d *Deps) normalize() {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.QueueSize <= 0 {
		d.QueueSize = 16
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
}

type Stats struct {
	Snapshots  uint64 `json:"snapshots"`
	Candidates uint64 `json:"candidates"`
	Delivered  uint64 `json:"delivered"`
	FeedErrors uint64 `json:"feed_errors"`
}

type item struct {
	snap feed.Snapshot
	err  error
}

// Session is one subscriber's listener. A stopped session cannot be
// restarted; create a new one.
type Session struct {
	id   string
	deps Deps
	log  logx.Logger

	state atomic.Int32

	mu       sync.Mutex
	started  bool
	stopping bool
	profile  incident.Profile
	cursor   Cursor
	sub      feed.Subscription
	sup      *rtsup.Supervisor
	err      error
	stopOnce sync.Once
	done     chan struct{}

	snapshots, candidates, delivered, feedErrors atomic.Uint64
}

func New(subscriberID string, deps Deps) *Session {
	deps.normalize()
	return &Session{
		id:   subscriberID,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "session"), logx.Subscriber(subscriberID)),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has stopped for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the failure that ended the session, nil after a plain Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Profile() incident.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Session) Stats() Stats {
	return Stats{
		Snapshots:  s.snapshots.Load(),
		Candidates: s.candidates.Load(),
		Delivered:  s.delivered.Load(),
		FeedErrors: s.feedErrors.Load(),
	}
}

// Start loads the profile and subscribes to the feed. ctx bounds only the
// start itself; the listener runs until Stop or a permanent feed failure.
//
// A profile failure or ErrNoInterests leaves the session stopped with no
// subscription held.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	p, err := s.deps.Profiles.Load(ctx, s.id)
	if err != nil {
		s.finish(err)
		return err
	}
	if !p.HasInterests() {
		s.log.Info("no interests, listener not started")
		s.finish(nil)
		return ErrNoInterests
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sup := rtsup.New(runCtx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	inbox := make(chan item, s.deps.QueueSize)
	push := func(it item) {
		select {
		case inbox <- it:
		case <-runCtx.Done():
		}
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		cancel()
		return context.Canceled
	}
	s.profile = p
	s.sup = sup
	s.state.Store(int32(StateAwaitingBaseline))
	s.mu.Unlock()

	sub, err := s.deps.Feed.Subscribe(runCtx,
		func(snap feed.Snapshot) { push(item{snap: snap}) },
		func(err error) { push(item{err: err}) },
	)
	if err != nil {
		cancel()
		err = fmt.Errorf("subscribe feed: %w", err)
		s.finish(err)
		return err
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		cancel()
		sub.Close()
		return context.Canceled
	}
	s.sub = sub
	s.mu.Unlock()

	sup.Go("loop", func(c context.Context) error {
		defer cancel()
		return s.loop(c, inbox)
	})
	s.log.Info("session started",
		logx.Int("lines", len(p.Lines)),
		logx.Int("stations", len(p.Stations)),
	)
	s.publish(eventbus.SessionStarted, nil)
	return nil
}

// Stop cancels the listener and releases the feed subscription before
// returning. No event is dispatched after Stop returns.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.stopping = true
	sub, sup := s.sub, s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	if sub != nil {
		sub.Close()
	}
	var err error
	if sup != nil {
		err = sup.Wait(ctx)
	}
	s.finish(nil)
	return err
}

func (s *Session) loop(ctx context.Context, inbox <-chan item) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-inbox:
			if it.err != nil {
				if stop := s.handleError(it.err); stop {
					return nil
				}
				continue
			}
			s.handleSnapshot(ctx, it.snap)
		}
	}
}

func (s *Session) handleError(err error) bool {
	s.feedErrors.Add(1)
	if !feed.IsPermanent(err) {
		s.log.Warn("feed error, still listening", logx.Err(err))
		s.publish(eventbus.SessionFeedError, err)
		return false
	}
	s.log.Error("feed failed permanently", logx.Err(err))
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	// The feed goroutine has already returned after a permanent error.
	if sub != nil {
		sub.Close()
	}
	s.finish(fmt.Errorf("feed: %w", err))
	return true
}

func (s *Session) handleSnapshot(ctx context.Context, snap feed.Snapshot) {
	s.snapshots.Add(1)
	if s.State() == StateAwaitingBaseline {
		s.cursor.Apply(snap)
		s.state.Store(int32(StateListening))
		s.log.Debug("baseline taken", logx.String("last_seen", s.cursor.LastSeenEventID))
		return
	}

	cands := s.cursor.Apply(snap)
	if len(cands) == 0 {
		return
	}
	p := s.Profile()
	target := kit.ChatTarget{ChatID: p.ChatID, ThreadID: p.ThreadID}
	for _, ev := range cands {
		if ctx.Err() != nil {
			return
		}
		s.handleCandidate(ctx, ev, p, target)
		// Counted once handled, so Stats never runs ahead of dispatch.
		s.candidates.Add(1)
	}
}

func (s *Session) handleCandidate(ctx context.Context, ev incident.Event, p incident.Profile, target kit.ChatTarget) {
	pol := s.deps.Policies.Read(ctx, s.id)
	now := s.deps.Now().In(s.deps.Location)
	d := relevance.Evaluate(ev, p, pol, s.id, now)
	if !d.Deliver {
		s.log.Debug("event skipped",
			logx.Event(ev.ID),
			logx.String("reason", string(d.Reason)),
		)
		return
	}
	if res := s.deps.Dispatcher.Dispatch(ctx, s.id, ev, target); res.Delivered {
		s.delivered.Add(1)
	}
}

// finish moves the session to stopped once and records err.
func (s *Session) finish(err error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		prev := State(s.state.Swap(int32(StateStopped)))
		close(s.done)
		if prev == StateUnstarted {
			return
		}
		if err != nil {
			s.publish(eventbus.SessionFailed, err)
			return
		}
		s.log.Info("session stopped")
		s.publish(eventbus.SessionStopped, nil)
	})
}

func (s *Session) publish(typ string, err error) {
	if s.deps.Bus == nil {
		return
	}
	info := eventbus.SessionInfo{SubscriberID: s.id, State: s.State().String()}
	if err != nil {
		info.Error = err.Error()
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: info})
}
