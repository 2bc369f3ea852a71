package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"transitwatch/internal/eventbus"
	rtsup "transitwatch/internal/runtime/supervisor"
	kit "transitwatch/internal/transport"
	"transitwatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notification has no chat target")
)

type job struct {
	n        kit.Notification
	key      string
	queuedAt time.Time
}

// persistOp is a best-effort storage write done off the hot path.
type persistOp struct {
	dedupKey   string
	dedupUntil time.Time
	delivery   *deliveryRecord
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  Store

	// permanent reports send errors that must not be retried.
	permanent func(error) bool

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqWG     sync.WaitGroup

	queue      chan job
	persist    chan persistOp
	sup        *rtsup.Supervisor // workers
	persistSup *rtsup.Supervisor
	stopDone   chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithPermanentErrors stops retrying when fn reports true for a send error.
func WithPermanentErrors(fn func(error) bool) Option {
	return func(s *Service) { s.permanent = fn }
}

// New builds the service. bus and store may be nil.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits, retry and dedup knobs at runtime. Worker count and
// queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 20000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort; a broken worker must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	if s.store != nil {
		s.persist = make(chan persistOp, 1024)
		s.persistSup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	}
	sup, psup, q, pch, workers := s.sup, s.persistSup, s.queue, s.persist, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		psup.GoRestart("persist", func(c context.Context) error {
			return s.exitReason(c, s.persistLoop(c, pch))
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.exitReason(c, s.workerLoop(c, q))
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// exitReason maps a loop return onto what the restart loop should do: clean
// stop when draining, restart otherwise.
func (s *Service) exitReason(ctx context.Context, drained bool) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || drained {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("loop exited unexpectedly")
}

// Stop stops intake and drains the queue until ctx is done, after which the
// workers are canceled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup, psup := s.queue, s.persist, s.sup, s.persistSup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		// Workers are gone; flush what they left for storage.
		if pch != nil {
			close(pch)
			_ = psup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue, s.persist, s.sup, s.persistSup, s.stopDone = nil, nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		if psup != nil {
			psup.Cancel()
		}
		<-done
	}
}

// Snapshot returns recent delivery outcomes, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-300:]...)
	}
	s.hmu.Unlock()
}

// Supervisor exposes the worker supervisor for health output (nil if stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
