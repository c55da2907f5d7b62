// Package janitor runs the periodic housekeeping of the gateway: dropping
// expired cache entries and pruning finished jobs past their retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/mohans/sqlgate/cache"
)

// CacheSweeper is the part of cache.Cache the janitor needs.
type CacheSweeper interface {
	Sweep() int
	Stats() cache.Stats
}

// JobPruner is the part of jobs.Manager the janitor needs.
type JobPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

type Config struct {
	CacheSchedule string
	JobSchedule   string
	JobRetention  time.Duration
	Logger        *slog.Logger
}

// Janitor schedules the sweeps on a cron.
type Janitor struct {
	cron      *cron.Cron
	cache     CacheSweeper
	jobs      JobPruner
	retention time.Duration
	log       *slog.Logger
}

// New registers the sweeps. An empty schedule disables that sweep.
func New(cfg Config, c CacheSweeper, jobs JobPruner) (*Janitor, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	j := &Janitor{
		cron:      cron.New(),
		cache:     c,
		jobs:      jobs,
		retention: cfg.JobRetention,
		log:       log,
	}
	if cfg.CacheSchedule != "" && c != nil {
		if _, err := j.cron.AddFunc(cfg.CacheSchedule, func() { j.SweepCache() }); err != nil {
			return nil, fmt.Errorf("cache sweep schedule %q: %w", cfg.CacheSchedule, err)
		}
	}
	if cfg.JobSchedule != "" && jobs != nil {
		if _, err := j.cron.AddFunc(cfg.JobSchedule, func() {
			if _, err := j.PruneJobs(context.Background()); err != nil {
				j.log.Warn("job prune failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("job sweep schedule %q: %w", cfg.JobSchedule, err)
		}
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info("janitor started", "entries", len(j.cron.Entries()))
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	j.log.Info("janitor stopped")
}

// SweepCache removes expired cache entries and returns how many went.
func (j *Janitor) SweepCache() int {
	n := j.cache.Sweep()
	if n > 0 {
		st := j.cache.Stats()
		j.log.Info("cache swept",
			"expired", n,
			"entries", st.Entries,
			"size", humanize.Bytes(uint64(max(st.Bytes, 0))),
		)
	}
	return n
}

// PruneJobs drops finished jobs older than the retention window.
func (j *Janitor) PruneJobs(ctx context.Context) (int, error) {
	n, err := j.jobs.Prune(ctx, j.retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("jobs pruned",
			"count", humanize.Comma(int64(n)),
			"retention", j.retention.String(),
		)
	}
	return n, nil
}
