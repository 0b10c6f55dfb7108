// Package reaper deletes sealed executions past their retention window on a
// cron schedule.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/store"
)

// Options configures a Reaper.
type Options struct {
	// Schedule is a standard 5-field cron expression. Defaults to hourly.
	Schedule string
	// Retention is how long sealed executions are kept. Defaults to 14 days.
	Retention time.Duration
	Logger    *slog.Logger
}

// Reaper periodically deletes sealed executions older than the retention
// window, events included.
type Reaper struct {
	store     store.Store
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. The schedule expression is parsed eagerly so a bad
// config fails at startup, not at the first tick.
func New(s store.Store, opts Options) (*Reaper, error) {
	if opts.Schedule == "" {
		opts.Schedule = "0 * * * *"
	}
	if opts.Retention <= 0 {
		opts.Retention = 14 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", opts.Schedule, err)
	}

	return &Reaper{
		store:     s,
		schedule:  schedule,
		retention: opts.Retention,
		logger:    opts.Logger,
	}, nil
}

// Start launches the background loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("reaper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(loopCtx)
	r.logger.Info("reaper started", slog.Duration("retention", r.retention))
	return nil
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep deletes executions sealed before the retention cutoff. Exported so
// operators can trigger a sweep on demand.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.retention)
	n, err := r.store.DeleteExecutions(ctx, store.Filter{StoppedBefore: &cutoff})
	if err != nil {
		r.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("retention sweep removed executions",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
