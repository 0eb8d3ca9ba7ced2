// Package jobs schedules the background sweeps: time-expiry of overdue
// sessions and failure of stalled transfers.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/kswifiapp/session-core/internal/metrics"
)

type Store interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	FailStalledTransfers(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	ExpireSchedule  string
	StalledSchedule string
	StalledAfter    time.Duration
}

type Runner struct {
	cron  *cron.Cron
	store Store
	opts  Options
}

func NewRunner(store Store, opts Options) *Runner {
	return &Runner{
		cron:  cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		store: store,
		opts:  opts,
	}
}

func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(r.opts.ExpireSchedule, func() {
		r.runSweep("expire_overdue", func(ctx context.Context) (int64, error) {
			return r.store.ExpireOverdue(ctx, time.Now().UTC())
		})
	}); err != nil {
		return err
	}

	if _, err := r.cron.AddFunc(r.opts.StalledSchedule, func() {
		r.runSweep("fail_stalled", func(ctx context.Context) (int64, error) {
			return r.store.FailStalledTransfers(ctx, time.Now().UTC().Add(-r.opts.StalledAfter))
		})
	}); err != nil {
		return err
	}

	r.cron.Start()
	return nil
}

func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Runner) runSweep(name string, fn func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	transitioned, err := fn(ctx)
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepRuns.WithLabelValues(name, "error").Inc()
		log.Error().Err(err).Str("sweep", name).Msg("sweep failed")
		return
	}
	metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
	if transitioned > 0 {
		metrics.SweepTransitions.WithLabelValues(name).Add(float64(transitioned))
		log.Info().Str("sweep", name).Int64("transitioned", transitioned).Msg("sweep applied transitions")
	}
}
