// Package app wires storage, feed, session pipeline, notifier and the ops
// API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"transitwatch/internal/config"
	"transitwatch/internal/dispatch"
	"transitwatch/internal/eventbus"
	"transitwatch/internal/feed"
	"transitwatch/internal/notifier"
	"transitwatch/internal/opsapi"
	"transitwatch/internal/policy"
	"transitwatch/internal/profile"
	rtsup "transitwatch/internal/runtime/supervisor"
	"transitwatch/internal/session"
	"transitwatch/internal/storage"
	kit "transitwatch/internal/transport"
	"transitwatch/internal/transport/logsink"
	"transitwatch/internal/transport/telegram"
	"transitwatch/pkg/logx"
)

// policyStore is what both policy cache drivers provide.
type policyStore interface {
	policy.Cache
	opsapi.Policies
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender   kit.Sender
	policies policyStore
	redis    *policy.RedisCache
	hub      *feed.Hub
	source   feed.Source
	ingest   feed.Ingester
	catalog  *dispatch.Catalog
	notif    *notifier.Service
	sessions *session.Manager
	house    *housekeeping
	ops      *opsapi.Service

	subscribers []string
	startTO     time.Duration
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	bootLog := logx.NewConsole("INFO")
	var ds config.Durations
	tgTimeout := ds.Get("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	pollEvery := ds.Get("feed.poll_interval", cfg.Feed.PollInterval, 2*time.Second)
	startTO := ds.Get("session.start_timeout", cfg.Session.StartTimeout, 15*time.Second)
	if err := ds.Err(); err != nil {
		return nil, err
	}
	var (
		sender    kit.Sender
		permanent func(error) bool
	)
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		bootLog.Warn("telegram.token is empty; notifications are only logged")
		sender = logsink.New(bootLog, 200)
	} else {
		tg, err := telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			Offline: cfg.Telegram.Offline,
			Timeout: tgTimeout,
		}, bootLog)
		if err != nil {
			return nil, err
		}
		sender, permanent = tg, telegram.IsPermanent
	}

	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	cfgm.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: bus, sender: sender}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	switch strings.ToLower(strings.TrimSpace(cfg.PolicyCache.Driver)) {
	case "redis":
		rc, err := policy.NewRedisCache(ctx, policy.RedisConfig{
			Addr:     cfg.PolicyCache.Addr,
			Password: cfg.PolicyCache.Password,
			DB:       cfg.PolicyCache.DB,
			Prefix:   cfg.PolicyCache.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.redis, a.policies = rc, rc
	default:
		a.policies = a.store
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Feed.Driver)) {
	case "poll":
		p := feed.NewPoller(a.store, feed.PollerOptions{Interval: pollEvery, Window: cfg.Feed.Window}, log)
		a.source, a.ingest = p, p
	default:
		a.hub = feed.NewHub(feed.HubOptions{Window: cfg.Feed.Window, Recorder: a.store}, log)
		backlog, err := a.store.RecentIncidents(ctx, max(cfg.Feed.Window, 50))
		if err != nil {
			return nil, fmt.Errorf("seed feed: %w", err)
		}
		a.hub.Seed(backlog)
		a.source, a.ingest = a.hub, a.hub
	}

	lines, err := loadLines(cfg)
	if err != nil {
		return nil, err
	}
	a.catalog = dispatch.NewCatalog(lines)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var nopts []notifier.Option
	if permanent != nil {
		nopts = append(nopts, notifier.WithPermanentErrors(permanent))
	}
	a.notif = notifier.New(ncfg, sender, log, bus, a.store, nopts...)

	popts, err := mapProfileOptions(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Session.Location()
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(session.Deps{
		Profiles:   profile.NewLoader(a.store, popts, log),
		Feed:       a.source,
		Policies:   policy.NewReader(a.policies, log),
		Dispatcher: dispatch.New(a.catalog, a.notif, log),
		Bus:        bus,
		Location:   loc,
		QueueSize:  cfg.Session.QueueSize,
		Log:        log,
	})
	a.subscribers = cfg.Session.Subscribers
	a.startTO = startTO

	if a.house, err = newHousekeeping(cfg.Housekeeping, loc, a.store, log); err != nil {
		return nil, err
	}

	a.ops = opsapi.New(mapOpsConfig(cfg), opsapi.Deps{
		Sessions:   a.sessions,
		Incidents:  a.ingest,
		Profiles:   a.store,
		Policies:   a.policies,
		Deliveries: a.notif,
		Health:     a.health,
	}, log)

	ok = true
	return a, nil
}

// Done is closed when the app supervisor is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Sessions() *session.Manager { return a.sessions }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := loadLines(cfg)
		return err
	})

	a.notif.Start(context.WithoutCancel(a.sup.Context()))
	a.house.Start()
	a.ops.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.Forward(c, a.bus, 128, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		})
	})
	a.sup.Go0("sessions.failures", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case f := <-a.sessions.Failures():
				a.log.Error("session failed; restart it through the ops api",
					logx.Subscriber(f.SubscriberID), logx.Err(f.Err))
			}
		}
	})

	cfgSub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(cfgSub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-cfgSub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	for _, id := range a.subscribers {
		sctx, cancel := context.WithTimeout(a.sup.Context(), a.startTO)
		_, err := a.sessions.Start(sctx, id)
		cancel()
		switch {
		case errors.Is(err, session.ErrNoInterests):
			a.log.Info("subscriber has no interests; not listening", logx.Subscriber(id))
		case err != nil:
			a.log.Warn("subscriber not started", logx.Subscriber(id), logx.Err(err))
		}
	}

	a.log.Info("app started", logx.Int("sessions", len(a.sessions.Active())))
	return nil
}

// applyConfig hot-applies the reloadable sections.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, _ := config.SummarizeChange(prev, next)
	for _, s := range sections {
		switch s {
		case "logging", "telegram":
			a.logs.Apply(mapLogConfig(next))
		case "notifier":
			ncfg, err := mapNotifierConfig(next)
			if err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
				continue
			}
			wasEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg)
			switch {
			case wasEnabled && !ncfg.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !wasEnabled && ncfg.Enabled:
				a.notif.Start(context.WithoutCancel(ctx))
			}
		case "lines":
			lines, err := loadLines(next)
			if err != nil {
				a.log.Warn("invalid lines config; keeping previous", logx.Err(err))
				continue
			}
			a.catalog.Replace(lines)
		}
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"notifier_enabled": a.notif.Enabled(),
		"lines":            a.catalog.Len(),
	}
	if sup := a.notif.Supervisor(); sup != nil {
		out["notifier"] = sup.Snapshot()
	}
	if a.hub != nil {
		out["feed_events"] = a.hub.Len()
	}
	return out
}

// Stop shuts components down in dependency order, each bounded by its own
// deadline.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "sessions", 3*time.Second, func(c context.Context) error { a.sessions.StopAll(c); return nil })
	a.step(ctx, "housekeeping", time.Second, a.house.Stop)
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "resources", time.Second, func(context.Context) error { a.closeResources(); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
}

// step runs fn with a deadline of at most max. A step that overruns is left
// to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
