package archiver

import (
	"context"
	"fmt"
	"sync"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs maintenance hourly.
const DefaultSchedule = "@every 1h"

// Scheduler runs a job on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	running bool
	log     zerolog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Start schedules job at spec (standard cron or descriptors like "@every 1h").
// The job receives ctx, which should outlive the scheduler.
func (s *Scheduler) Start(ctx context.Context, spec string, job func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if spec == "" {
		spec = DefaultSchedule
	}

	logger := cronLogger{log: s.log}
	c := rcron.New(
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.log.Info().Str("schedule", spec).Msg("maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("maintenance scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("maintenance job still running at shutdown")
	}
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
