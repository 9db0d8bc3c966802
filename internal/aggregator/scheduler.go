package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Refresher is anything the scheduler can drive.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler runs Refresh on a fixed interval. A cycle still running when
// the next tick fires causes that tick to be skipped.
type Scheduler struct {
	logger   *slog.Logger
	target   Refresher
	interval time.Duration
}

func NewScheduler(logger *slog.Logger, target Refresher, interval time.Duration) *Scheduler {
	return &Scheduler{logger: logger, target: target, interval: interval}
}

// Run refreshes once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", s.interval)
	}

	clog := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	s.tick(ctx)
	c.Start()
	s.logger.Info("Scheduler: started", "interval", s.interval)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Scheduler: stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.target.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Scheduler: refresh failed", "error", err)
	}
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("Scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("Scheduler: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
