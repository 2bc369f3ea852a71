package app

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"transitwatch/internal/config"
	"transitwatch/pkg/logx"
)

// DedupPruner drops expired dedup entries.
type DedupPruner interface {
	PruneDedup(ctx context.Context, now time.Time) (int, error)
}

// housekeeping runs periodic maintenance on a cron schedule.
type housekeeping struct {
	c   *cron.Cron
	log logx.Logger
}

func newHousekeeping(cfg config.HousekeepingConfig, loc *time.Location, store DedupPruner, log logx.Logger) (*housekeeping, error) {
	expr := strings.TrimSpace(cfg.DedupPrune)
	if expr == "" {
		expr = "@hourly"
	}
	h := &housekeeping{
		c: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log: log.With(logx.String("comp", "housekeeping")),
	}
	if _, err := h.c.AddJob(expr, cron.FuncJob(func() { h.pruneDedup(store) })); err != nil {
		return nil, err
	}
	h.log.Debug("dedup prune scheduled", logx.String("expr", expr))
	return h, nil
}

func (h *housekeeping) pruneDedup(store DedupPruner) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := store.PruneDedup(ctx, time.Now())
	if err != nil {
		h.log.Warn("dedup prune failed", logx.Err(err))
		return
	}
	h.log.Debug("dedup pruned", logx.Int("removed", n))
}

func (h *housekeeping) Start() { h.c.Start() }

// Stop waits for a running job until ctx is done.
func (h *housekeeping) Stop(ctx context.Context) error {
	done := h.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
