package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

// Recorder persists ingested incidents before they are published.
type Recorder interface {
	AppendIncident(ctx context.Context, ev incident.Event) error
}

type HubOptions struct {
	// Window is how many newest events a snapshot carries.
	Window int
	// Recorder, when set, is written before subscribers see the event.
	Recorder Recorder
	Now      func() time.Time
}

// Hub is an in-memory push feed. Every subscriber has its own ordered,
// unbounded queue drained by one goroutine, so a slow listener never blocks
// Ingest or other listeners.
type Hub struct {
	opts HubOptions
	log  logx.Logger

	mu     sync.Mutex
	events []incident.Event // append order
	ids    map[string]struct{}
	subs   map[*hubSub]struct{}
	closed bool
}

func NewHub(opts HubOptions, log logx.Logger) *Hub {
	if opts.Window <= 0 {
		opts.Window = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		opts: opts,
		log:  log.With(logx.String("comp", "feed.hub")),
		ids:  map[string]struct{}{},
		subs: map[*hubSub]struct{}{},
	}
}

// Seed loads events without notifying subscribers, e.g. the stored backlog
// at boot. Events are taken in any order.
func (h *Hub) Seed(evs []incident.Event) {
	cp := append([]incident.Event(nil), evs...)
	incident.SortNewestFirst(cp)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(cp) - 1; i >= 0; i-- {
		if _, dup := h.ids[cp[i].ID]; dup || cp[i].ID == "" {
			continue
		}
		h.addLocked(cp[i])
	}
}

// Ingest appends ev to the feed and notifies subscribers. An empty ID gets a
// fresh UUID and a zero CreatedAt is stamped with the current time.
func (h *Hub) Ingest(ctx context.Context, ev incident.Event) (incident.Event, error) {
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = h.opts.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ev, ErrClosed
	}
	if _, dup := h.ids[ev.ID]; dup {
		return ev, fmt.Errorf("incident %q already in feed", ev.ID)
	}
	if h.opts.Recorder != nil {
		if err := h.opts.Recorder.AppendIncident(ctx, ev); err != nil {
			return ev, fmt.Errorf("record incident: %w", err)
		}
	}
	h.addLocked(ev)

	snap := Snapshot{Events: h.windowLocked(), Changes: []Change{{Kind: Added, Event: ev}}}
	for s := range h.subs {
		s.push(hubItem{snap: &snap})
	}
	return ev, nil
}

// Fail reports err to every subscriber. A permanent error ends the
// subscriptions after delivery.
func (h *Hub) Fail(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(hubItem{err: err})
		if IsPermanent(err) {
			delete(h.subs, s)
		}
	}
}

// Close ends all subscriptions with a permanent ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.Fail(Permanent(ErrClosed))
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *Hub) Subscribe(ctx context.Context, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	if onSnapshot == nil {
		return nil, errors.New("feed: nil snapshot handler")
	}
	if onError == nil {
		onError = func(error) {}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, Permanent(ErrClosed)
	}
	s := newHubSub(h, onSnapshot, onError)
	window := h.windowLocked()
	initial := Snapshot{Events: window, Changes: make([]Change, 0, len(window))}
	for i := len(window) - 1; i >= 0; i-- {
		initial.Changes = append(initial.Changes, Change{Kind: Added, Event: window[i]})
	}
	s.push(hubItem{snap: &initial})
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

func (h *Hub) addLocked(ev incident.Event) {
	h.events = append(h.events, ev)
	h.ids[ev.ID] = struct{}{}
	// Keep memory bounded; the hub only needs enough history for snapshots.
	if limit := h.opts.Window * 4; len(h.events) > limit {
		drop := len(h.events) - h.opts.Window*2
		for _, old := range h.events[:drop] {
			delete(h.ids, old.ID)
		}
		h.events = append([]incident.Event(nil), h.events[drop:]...)
	}
}

func (h *Hub) windowLocked() []incident.Event {
	n := min(len(h.events), h.opts.Window)
	out := make([]incident.Event, 0, n)
	for i := len(h.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.events[i])
	}
	incident.SortNewestFirst(out)
	return out
}

func (h *Hub) unsubscribe(s *hubSub) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

type hubItem struct {
	snap *Snapshot
	err  error
}

type hubSub struct {
	hub        *Hub
	onSnapshot func(Snapshot)
	onError    func(error)

	mu      sync.Mutex
	pending []hubItem
	wake    chan struct{}

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func newHubSub(h *Hub, onSnapshot func(Snapshot), onError func(error)) *hubSub {
	return &hubSub{
		hub:        h,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (s *hubSub) push(it hubItem) {
	s.mu.Lock()
	s.pending = append(s.pending, it)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *hubSub) run(ctx context.Context) {
	defer close(s.exited)
	defer s.hub.unsubscribe(s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, it := range batch {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			if it.err != nil {
				s.onError(it.err)
				if IsPermanent(it.err) {
					return
				}
				continue
			}
			s.onSnapshot(*it.snap)
		}
	}
}

func (s *hubSub) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.exited
}
