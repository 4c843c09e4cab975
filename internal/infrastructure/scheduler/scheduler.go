package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Task periodic background work, ctx is cancelled when the scheduler stops
type Task func(ctx context.Context)

// Scheduler manages scheduled maintenance tasks
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new scheduler instance
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Every registers task to run every interval, a run is skipped while the previous one is still going
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	_, err := s.scheduler.Every(interval).SingletonMode().Do(func() {
		start := time.Now()
		task(s.ctx)
		s.logger.Debug("Scheduled task finished",
			zap.String("task.name", name),
			zap.Duration("task.time", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start begins running all scheduled tasks in a non-blocking manner
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop terminates all scheduled tasks
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}
