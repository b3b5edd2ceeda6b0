package session

import (
	"context"
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep hourly.
const DefaultSweepSchedule = "@every 1h"

// SweepCallback is called after each sweep with the number of evicted and
// remaining sessions.
type SweepCallback func(evicted, remaining int)

// StartSweeper schedules Manager.Sweep on a cron schedule until ctx is done.
func StartSweeper(ctx context.Context, mgr *Manager, schedule string, onSweep SweepCallback) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	c := cronlib.New()
	if _, err := c.AddFunc(schedule, func() {
		evicted := mgr.Sweep()
		remaining := mgr.Len()
		if evicted > 0 {
			slog.Info("Session sweep evicted idle sessions", "evicted", evicted, "remaining", remaining)
		}
		if onSweep != nil {
			onSweep(evicted, remaining)
		}
	}); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", schedule, err)
	}

	c.Start()
	slog.Info("Session sweeper started", "schedule", schedule, "ttl", mgr.TTL())

	go func() {
		<-ctx.Done()
		stopped := c.Stop()
		<-stopped.Done()
		slog.Info("Session sweeper shutting down", "reason", ctx.Err())
	}()
	return nil
}
