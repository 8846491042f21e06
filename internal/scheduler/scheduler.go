// Package scheduler runs the periodic all-feeds sync on a cron
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	feedsync "github.com/calfeed/calfeed/internal/sync"
)

// Runner is the slice of the syncer the scheduler drives.
type Runner interface {
	SyncAll(ctx context.Context) (feedsync.BatchResult, error)
}

type Scheduler struct {
	cron   *cron.Cron
	syncer Runner

	// Guards against ticks piling up when a run outlasts the interval.
	running atomic.Bool
}

func New(syncer Runner) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		syncer: syncer,
	}
}

// Run schedules the sync on the given cron spec and blocks until ctx is
// canceled, then waits for any in-flight run to finish.
func (s *Scheduler) Run(ctx context.Context, spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.RunNow(ctx) }); err != nil {
		return fmt.Errorf("error parsing sync schedule %q: %s", spec, err)
	}

	slog.Info("sync scheduler started", "schedule", spec)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()

	return nil
}

// RunNow triggers one all-feeds sync, skipping if the previous run is
// still in flight.
func (s *Scheduler) RunNow(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("previous sync run still in flight, skipping")
		return
	}
	defer s.running.Store(false)

	result, err := s.syncer.SyncAll(ctx)
	if err != nil {
		slog.Error("scheduled sync failed", "error", err)
		return
	}

	slog.Info("scheduled sync completed", "synced", result.Synced, "failed", result.Failed)
}
