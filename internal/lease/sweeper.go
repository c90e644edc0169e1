package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs Manager.SweepExpired once immediately and then on a cron
// schedule until stopped.
type Sweeper struct {
	manager  *Manager
	logger   *slog.Logger
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
}

// NewSweeper creates a Sweeper. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(m *Manager, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{manager: m, logger: logger, schedule: schedule, timeout: 30 * time.Second}
}

// Start sweeps once synchronously and registers the periodic job. The first
// sweep's error is returned; later failures are logged.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.manager.SweepExpired(ctx); err != nil {
		return err
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("lease: invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("lease sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.manager.SweepExpired(sctx); err != nil {
		s.logger.Warn("lease sweep failed", "error", err)
	}
}
