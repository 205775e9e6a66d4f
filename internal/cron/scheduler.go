// Package cron runs the engine's periodic maintenance jobs from
// standard 5-field cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Accepts the classic five-field form only; no seconds field.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type job struct {
	name     string
	expr     string
	run      func(ctx context.Context)
	schedule cronlib.Schedule
	nextRun  time.Time
}

type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; one minute when zero
}

// Scheduler ticks at a fixed interval and runs every registered job
// whose schedule has come due. Jobs run synchronously inside the tick,
// one after another.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Add registers a named job. The first run is the next time expr
// matches after now.
func (s *Scheduler) Add(name, expr string, run func(ctx context.Context)) error {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expr %q for %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		expr:     expr,
		run:      run,
		schedule: schedule,
		nextRun:  schedule.Next(time.Now()),
	})
	return nil
}

// Start launches the tick loop. Register jobs before calling it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	registered := len(s.jobs)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx, time.Now())
			}
		}
	}()

	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", registered)
}

// Stop halts the tick loop and waits for it to exit. A job mid-run
// finishes first.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunDue fires every job whose next run is at or before now and
// returns the number fired. The loop calls this each tick; tests call
// it directly with synthetic clocks.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		j.run(ctx)
		s.logger.Debug("cron job fired", "job", j.name, "next_run_at", j.nextRun)
	}
	return len(due)
}
