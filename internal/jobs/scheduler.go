// Package jobs runs the periodic background work: admin-rights polling,
// group connectivity checks and health reporting.
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	logger "github.com/Gopher0727/Orbo/middleware/log"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler runs each registered job on its own ticker. A job never
// overlaps with itself: the next tick waits for the previous run.
type Scheduler struct {
	entries []entry
	wg      sync.WaitGroup
	log     *logger.Logger
}

func NewScheduler(log *logger.Logger) *Scheduler {
	return &Scheduler{log: log.Named("scheduler")}
}

// Every registers job to run once at start and then every interval.
// Non-positive intervals disable the job.
func (s *Scheduler) Every(interval time.Duration, job Job) {
	if interval <= 0 {
		s.log.Info("job disabled", zap.String("job", job.Name()))
		return
	}
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Start launches the jobs and returns immediately. They stop when ctx is
// cancelled; Wait blocks until every loop has returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	s.runOnce(ctx, e.job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, e.job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", zap.String("job", job.Name()), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("job failed",
			zap.String("job", job.Name()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("job finished", zap.String("job", job.Name()), zap.Duration("elapsed", time.Since(start)))
}
