package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tradepilot/internal/config"
)

// Scheduler starts a new learning cycle whenever the machine is quiescent
// and the configured interval has elapsed since the last completion. It
// ticks every minute; the interval gate does the real pacing.
type Scheduler struct {
	cfg     config.CycleConfig
	runner  *Runner
	machine *Machine
	cron    *cron.Cron
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(cfg config.CycleConfig, runner *Runner, machine *Machine, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		machine: machine,
		cron:    cron.New(),
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
	}
}

// Start begins ticking and fires an immediate tick so a fresh process
// doesn't wait a minute for its first cycle. Runs until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.tick(ctx)

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
	return nil
}

// ForceCycle starts a cycle immediately, skipping the interval gate. The
// running/paused guards still apply.
func (s *Scheduler) ForceCycle(ctx context.Context) bool {
	started := s.runner.TryStart(ctx)
	if started {
		s.logger.Info("cycle forced")
	}
	return started
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	state := s.machine.State()
	if state != StateIdle && state != StateWaiting {
		return
	}

	if last := s.runner.LastCompleted(); !last.IsZero() {
		interval := time.Duration(s.cfg.ScheduleIntervalMinutes) * time.Minute
		if since := s.now().Sub(last); since < interval {
			s.logger.Debug("interval not elapsed", "since", since, "interval", interval)
			return
		}
	}

	if s.runner.TryStart(ctx) {
		s.logger.Info("cycle scheduled", "state", state)
	}
}
