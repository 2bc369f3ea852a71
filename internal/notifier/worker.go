package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"transitwatch/internal/storage"
	kit "transitwatch/internal/transport"
	"transitwatch/pkg/logx"
)

type deliveryRecord = storage.Delivery

// workerLoop reports true when the queue was closed and drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender, pch := s.cfg, s.limiter, s.sender, s.persist
	s.mu.Unlock()

	if sender == nil || j.n.Text == "" {
		return
	}
	attempts := 1 + max(cfg.RetryMax, 0)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.outcome(pch, j.n, j.key, StatusSent, attempt, nil, time.Since(start))
			return
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.String("key", j.key), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))

		if attempt == attempts || (s.permanent != nil && s.permanent(err)) {
			attempts = attempt
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.forget(j.key, pch)
	s.log.Warn("notification failed",
		logx.Subscriber(j.n.Meta["subscriber"]),
		logx.Event(j.n.Meta["event"]),
		logx.Int("attempts", attempts),
		logx.Err(lastErr),
	)
	s.outcome(pch, j.n, j.key, StatusFailed, attempts, lastErr, time.Since(start))
}

// outcome records a delivery result in history, on the bus and in storage.
func (s *Service) outcome(pch chan persistOp, n kit.Notification, key, status string, attempts int, err error, took ...time.Duration) {
	now := time.Now()
	s.appendHistory(HistoryItem{
		At:           now,
		SubscriberID: n.Meta["subscriber"],
		EventID:      n.Meta["event"],
		Status:       status,
		Text:         n.Text,
	})
	s.publish("notifier."+status, n, key, attempts, err)

	if pch == nil {
		return
	}
	rec := &deliveryRecord{
		At:           now,
		SubscriberID: n.Meta["subscriber"],
		EventID:      n.Meta["event"],
		Line:         n.Meta["line"],
		Station:      n.Meta["station"],
		Severity:     n.Meta["severity"],
		ChatID:       n.Target.ChatID,
		Status:       status,
		Attempts:     attempts,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if len(took) > 0 {
		rec.TookMS = took[0].Milliseconds()
	}
	select {
	case pch <- persistOp{delivery: rec}:
	default:
		s.log.Debug("delivery log backlog full; record dropped", logx.String("key", key))
	}
}

// persistLoop reports true when the channel was closed and drained.
func (s *Service) persistLoop(ctx context.Context, ch <-chan persistOp) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case op, ok := <-ch:
			if !ok {
				return true
			}
			cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			if op.dedupKey != "" {
				if err := s.store.PutDedup(cctx, op.dedupKey, op.dedupUntil); err != nil {
					s.log.Debug("dedup persist failed", logx.Err(err))
				}
			}
			if op.delivery != nil {
				if err := s.store.AppendDelivery(cctx, *op.delivery); err != nil {
					s.log.Debug("delivery log append failed", logx.Err(err))
				}
			}
			cancel()
		}
	}
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
