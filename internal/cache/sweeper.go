package cache

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the expiry sweep once an hour.
const DefaultSweepSchedule = "@hourly"

// Sweeper runs ClearExpired on a cron schedule.
type Sweeper struct {
	cache   *Store
	cron    *cron.Cron
	timeout time.Duration
}

// NewSweeper validates schedule and prepares a sweeper. An empty schedule
// uses DefaultSweepSchedule.
func NewSweeper(c *Store, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	sw := &Sweeper{
		cache:   c,
		cron:    cron.New(),
		timeout: 5 * time.Minute,
	}
	if _, err := sw.cron.AddFunc(schedule, sw.run); err != nil {
		return nil, eris.Wrapf(err, "cache: invalid sweep schedule %q", schedule)
	}
	return sw, nil
}

// Start begins running sweeps in the background.
func (sw *Sweeper) Start() {
	sw.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to expire.
func (sw *Sweeper) Stop(ctx context.Context) {
	done := sw.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a sweep immediately.
func (sw *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := sw.cache.ClearExpired(ctx)
	if err != nil {
		return 0, err
	}
	zap.L().Info("cache: expired entries swept",
		zap.Int("removed", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

func (sw *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sw.timeout)
	defer cancel()
	if _, err := sw.RunOnce(ctx); err != nil {
		zap.L().Error("cache: sweep failed", zap.Error(err))
	}
}
