// Package scheduler provides cron-based job scheduling for the Evolux RH
// agent: the periodic stale-conversation sweep and operator-scheduled
// outbound broadcasts.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the stale-conversation sweep every 10 minutes.
const DefaultSweepSchedule = "*/10 * * * *"

// DefaultSweepMaxIdle finalizes conversations idle for more than an hour
// that have no live inactivity timer.
const DefaultSweepMaxIdle = time.Hour

// Sweeper finalizes active conversations idle beyond maxIdle.
type Sweeper interface {
	SweepStale(ctx context.Context, maxIdle time.Duration) (int, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddStaleSweep registers the periodic stale-conversation sweep. Empty
// schedule or zero maxIdle fall back to the defaults.
func (s *Scheduler) AddStaleSweep(sweeper Sweeper, schedule string, maxIdle time.Duration) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if maxIdle <= 0 {
		maxIdle = DefaultSweepMaxIdle
	}
	return s.AddJob(schedule, func() {
		if _, err := sweeper.SweepStale(context.Background(), maxIdle); err != nil {
			slog.Error("Stale-conversation sweep failed", "error", err)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
