package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

// Runner performs one cleanup pass.
type Runner interface {
	RunCleanup(ctx context.Context, targetCount int) Stats
}

// ValidateSchedule checks a standard five-field cron expression or descriptor.
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return nil
}

// Scheduler runs cleanup passes on a cron schedule. A pass still running when
// the next tick fires is not overlapped.
type Scheduler struct {
	runner      Runner
	schedule    string
	targetCount int
	onResult    func(Stats)

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. onResult, if set, receives every pass's stats.
func NewScheduler(runner Runner, schedule string, targetCount int, loc *time.Location, onResult func(Stats)) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		runner:      runner,
		schedule:    schedule,
		targetCount: targetCount,
		onResult:    onResult,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logging.WithComponent("cleanup-scheduler"),
	}
}

// Start registers the schedule and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		s.RunNow(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.schedule, err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.logger.Info("Cleanup scheduler started",
		slog.String("schedule", s.schedule),
		slog.Int("target", s.targetCount),
		slog.Time("next_run", s.cron.Entry(s.entryID).Next),
	)
	return nil
}

// Stop stops the cron loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("Cleanup scheduler stopped")
}

// NextRun returns the next scheduled pass, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// IsRunning returns whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow performs one pass immediately.
func (s *Scheduler) RunNow(ctx context.Context) Stats {
	if ctx.Err() != nil {
		return Stats{}
	}
	stats := s.runner.RunCleanup(ctx, s.targetCount)
	s.logger.Info("Scheduled cleanup pass finished", slog.String("stats", stats.String()))
	if s.onResult != nil {
		s.onResult(stats)
	}
	return stats
}
