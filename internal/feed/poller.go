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
	"transitwatch/internal/storage"
	"transitwatch/pkg/logx"
)

// IncidentStore is the storage view the poller needs.
type IncidentStore interface {
	Recorder
	RecentIncidents(ctx context.Context, limit int) ([]incident.Event, error)
}

type PollerOptions struct {
	Interval time.Duration
	Window   int
	Now      func() time.Time
}

// Poller turns a storage table into a feed by polling the newest incidents
// and diffing ids between polls. Each subscription polls on its own goroutine.
type Poller struct {
	store IncidentStore
	opts  PollerOptions
	log   logx.Logger
}

func NewPoller(store IncidentStore, opts PollerOptions, log logx.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{store: store, opts: opts, log: log.With(logx.String("comp", "feed.poller"))}
}

// Ingest writes ev to the store; subscribers pick it up on their next poll.
func (p *Poller) Ingest(ctx context.Context, ev incident.Event) (incident.Event, error) {
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = p.opts.Now()
	}
	if err := p.store.AppendIncident(ctx, ev); err != nil {
		return ev, fmt.Errorf("record incident: %w", err)
	}
	return ev, nil
}

func (p *Poller) Subscribe(ctx context.Context, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	if onSnapshot == nil {
		return nil, errors.New("feed: nil snapshot handler")
	}
	if onError == nil {
		onError = func(error) {}
	}
	cctx, cancel := context.WithCancel(ctx)
	sub := &pollSub{cancel: cancel, exited: make(chan struct{})}
	go func() {
		defer close(sub.exited)
		p.loop(cctx, onSnapshot, onError)
	}()
	return sub, nil
}

func (p *Poller) loop(ctx context.Context, onSnapshot func(Snapshot), onError func(error)) {
	var seen map[string]struct{}

	poll := func() bool {
		evs, err := p.store.RecentIncidents(ctx, p.opts.Window)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, storage.ErrClosed) {
				onError(Permanent(err))
				return false
			}
			onError(err)
			return true
		}
		incident.SortNewestFirst(evs)

		cur := make(map[string]struct{}, len(evs))
		for _, ev := range evs {
			cur[ev.ID] = struct{}{}
		}

		var changes []Change
		// Oldest first so the newest addition is processed last.
		for i := len(evs) - 1; i >= 0; i-- {
			if seen != nil {
				if _, ok := seen[evs[i].ID]; ok {
					continue
				}
			}
			changes = append(changes, Change{Kind: Added, Event: evs[i]})
		}
		first := seen == nil
		seen = cur
		if first || len(changes) > 0 {
			onSnapshot(Snapshot{Events: evs, Changes: changes})
		}
		return true
	}

	if !poll() {
		return
	}
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !poll() {
				return
			}
		}
	}
}

type pollSub struct {
	cancel context.CancelFunc
	exited chan struct{}
	once   sync.Once
}

func (s *pollSub) Close() {
	s.once.Do(s.cancel)
	<-s.exited
}
