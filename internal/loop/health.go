package loop

import (
	"context"
	"log/slog"
	"time"

	"tradepilot/internal/config"
)

// stageStates are the states the stall monitor watches; a machine parked
// in Idle, Waiting, Paused, or Failed is not stalled, just quiet.
var stageStates = map[State]bool{
	StatePlan:       true,
	StateResearch:   true,
	StateAnalyze:    true,
	StateSynthesize: true,
	StateEvaluate:   true,
}

// Health watches the machine's last transition time. A stage that has
// made no transition for StallWarningMinutes gets a warning; at
// StallCriticalMinutes the stage is interrupted so the runner's restart
// loop can retry it.
type Health struct {
	cfg     config.ResilienceConfig
	machine *Machine
	runner  *Runner
	logger  *slog.Logger

	checkInterval time.Duration
	warned        bool
}

// NewHealth builds the stall monitor.
func NewHealth(cfg config.ResilienceConfig, machine *Machine, runner *Runner, logger *slog.Logger) *Health {
	return &Health{
		cfg:           cfg,
		machine:       machine,
		runner:        runner,
		logger:        logger.With("component", "health"),
		checkInterval: 30 * time.Second,
	}
}

// Run blocks until ctx is done, checking for stalls on a fixed interval.
func (h *Health) Run(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check()
		}
	}
}

func (h *Health) check() {
	state := h.machine.State()
	if !stageStates[state] {
		h.warned = false
		return
	}

	stalled := time.Since(h.machine.LastTransition())
	warning := time.Duration(h.cfg.StallWarningMinutes) * time.Minute
	critical := time.Duration(h.cfg.StallCriticalMinutes) * time.Minute

	switch {
	case stalled >= critical:
		h.logger.Error("stage stalled past critical threshold, interrupting",
			"state", state,
			"stalled", stalled,
			"cycle_id", h.machine.Snapshot().ID,
		)
		h.warned = false
		h.runner.InterruptStage()
	case stalled >= warning && !h.warned:
		h.logger.Warn("stage approaching stall threshold",
			"state", state,
			"stalled", stalled,
			"cycle_id", h.machine.Snapshot().ID,
		)
		h.warned = true
	}
}
