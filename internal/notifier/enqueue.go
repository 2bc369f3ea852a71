package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"transitwatch/internal/dispatch"
	"transitwatch/internal/eventbus"
	kit "transitwatch/internal/transport"
)

// IncidentKey is the dedup key of one incident for one subscriber.
func IncidentKey(subscriberID, eventID string) string {
	if subscriberID == "" || eventID == "" {
		return ""
	}
	return "incident:" + subscriberID + ":" + eventID
}

// Enqueue implements dispatch.Sink.
func (s *Service) Enqueue(ctx context.Context, title, body string, meta dispatch.Meta) error {
	text := title
	if body != "" {
		text += "\n" + body
	}
	return s.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: max(meta.Severity.Rank(), 0),
		Target:   meta.Target,
		Text:     text,
		DedupKey: IncidentKey(meta.SubscriberID, meta.EventID),
		Meta: map[string]string{
			"subscriber": meta.SubscriberID,
			"event":      meta.EventID,
			"line":       meta.Line,
			"station":    meta.Station,
			"severity":   string(meta.Severity),
		},
	})
}

// Notify queues n. A suppressed duplicate returns dispatch.ErrDuplicate.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Target.IsZero() {
		return ErrNoTarget
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, maxEntries, persistDedup := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries, s.cfg.PersistDedup
	pch := s.persist
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	key := dedupKey(n)
	if window > 0 && key != "" {
		if !s.dedupAllow(ctx, key, window, maxEntries, persistDedup, pch) {
			s.outcome(pch, n, key, StatusDeduped, 0, nil)
			return dispatch.ErrDuplicate
		}
	}

	s.publish(EventQueued, n, key, 0, nil)
	select {
	case q <- job{n: n, key: key, queuedAt: time.Now()}:
		return nil
	default:
		s.forget(key, pch)
		s.outcome(pch, n, key, StatusDropped, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// dedupKey prefers the caller's key and falls back to a content hash.
func dedupKey(n kit.Notification) string {
	if n.DedupKey != "" {
		return n.DedupKey
	}
	if n.Channel == "" {
		return ""
	}
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, pch chan persistOp) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	if len(s.dedup) > maxEntries {
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
		for len(s.dedup) > maxEntries {
			var oldest string
			var oldestAt time.Time
			for k, u := range s.dedup {
				if oldest == "" || u.Before(oldestAt) {
					oldest, oldestAt = k, u
				}
			}
			delete(s.dedup, oldest)
		}
	}
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- persistOp{dedupKey: key, dedupUntil: until}:
		default:
		}
	}
	return true
}

// forget drops a dedup entry so a failed delivery can be attempted again by
// a later session. A persisted entry is overwritten with an expired one.
func (s *Service) forget(key string, pch chan persistOp) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()

	if pch == nil {
		return
	}
	select {
	case pch <- persistOp{dedupKey: key, dedupUntil: time.Now()}:
	default:
	}
}

func (s *Service) publish(typ string, n kit.Notification, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{
		Channel:      n.Channel,
		SubscriberID: n.Meta["subscriber"],
		EventID:      n.Meta["event"],
		ChatID:       n.Target.ChatID,
		ThreadID:     n.Target.ThreadID,
		Key:          key,
		At:           now,
		Attempts:     attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
