package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradepilot/internal/agent"
	"tradepilot/internal/artifacts"
	"tradepilot/internal/config"
	"tradepilot/internal/mailbox"
	"tradepilot/pkg/types"
)

// maxErrorHistory bounds the failed-step list served by GET /errors.
const maxErrorHistory = 50

// Runner executes learning cycles: Evaluate (when history exists) then
// Plan → Research → Analyze → Synthesize, writing one artifact per stage
// and publishing the synthesized strategy to the engine's watch path.
type Runner struct {
	cfg     config.Config
	machine *Machine
	invoker *agent.Invoker
	store   *artifacts.Manager
	mail    *mailbox.Store
	logger  *slog.Logger

	mu          sync.Mutex
	running     bool
	stageCancel context.CancelFunc
	lastDone    time.Time
	errHistory  []StepRecord
}

// NewRunner wires the cycle executor.
func NewRunner(
	cfg config.Config,
	machine *Machine,
	invoker *agent.Invoker,
	store *artifacts.Manager,
	mail *mailbox.Store,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:     cfg,
		machine: machine,
		invoker: invoker,
		store:   store,
		mail:    mail,
		logger:  logger.With("component", "runner"),
	}
}

// Running reports whether a cycle is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastCompleted returns when the last cycle finished, zero if none has.
func (r *Runner) LastCompleted() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDone
}

// Errors returns the most recent failed steps, newest first.
func (r *Runner) Errors() []StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepRecord, len(r.errHistory))
	for i, rec := range r.errHistory {
		out[len(r.errHistory)-1-i] = rec
	}
	return out
}

// TryStart launches a cycle in the background unless one is already
// running or the machine is paused. Stage failures are retried with the
// same cycle id up to Resilience.MaxRestartAttempts.
func (r *Runner) TryStart(ctx context.Context) bool {
	r.mu.Lock()
	if r.running || r.machine.State() == StatePaused {
		r.mu.Unlock()
		return false
	}
	r.running = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()

		for {
			err := r.RunCycle(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			if r.machine.State() == StatePaused {
				return // operator pause, not a failure
			}

			attempts := r.machine.IncrementRestarts()
			if attempts > r.cfg.Resilience.MaxRestartAttempts {
				r.logger.Error("cycle abandoned after restarts",
					"cycle_id", r.machine.Snapshot().ID,
					"attempts", attempts,
					"error", err,
				)
				return
			}
			r.logger.Warn("restarting cycle at last unfinished stage",
				"cycle_id", r.machine.Snapshot().ID,
				"attempt", attempts,
				"error", err,
			)
			if err := r.machine.Transition(StateIdle); err != nil {
				r.logger.Error("reset for restart", "error", err)
				return
			}
		}
	}()
	return true
}

// RunCycle executes (or resumes) one cycle synchronously.
func (r *Runner) RunCycle(ctx context.Context) error {
	snap := r.machine.Snapshot()

	// Resume an unfinished cycle, otherwise start a fresh one.
	cycleID := snap.ID
	resuming := cycleID != "" && !r.machine.StageSucceeded("synthesize")
	if !resuming {
		cycleID = artifacts.NewCycleID(time.Now())
		if err := r.store.CreateCycle(cycleID); err != nil {
			return err
		}
		r.machine.BeginCycle(cycleID)
	}

	stages, err := r.stagePlan(cycleID)
	if err != nil {
		return err
	}

	for _, stage := range stages {
		// Step the machine through every stage state, including ones a
		// resumed cycle skips: the legality table only allows forward
		// movement, so Analyze is reachable from Idle only via Plan and
		// Research.
		if err := r.enterStage(State(stage.Name)); err != nil {
			return err
		}
		if r.machine.StageSucceeded(stage.Name) {
			continue
		}
		if err := r.runStage(ctx, cycleID, stage); err != nil {
			return err
		}
	}

	if err := r.machine.Transition(StateWaiting); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastDone = time.Now()
	r.mu.Unlock()

	if err := r.store.Archive(); err != nil {
		r.logger.Warn("archive old cycles", "error", err)
	}
	r.logger.Info("cycle completed", "cycle_id", cycleID)
	return nil
}

// stagePlan decides whether this cycle opens with Evaluate.
func (r *Runner) stagePlan(cycleID string) ([]agent.Stage, error) {
	prior, err := r.store.LatestCompleted()
	if err != nil {
		return nil, err
	}

	var stages []agent.Stage
	if prior != "" && prior != cycleID {
		stages = append(stages, agent.EvaluateStage())
	}
	return append(stages, agent.Pipeline()...), nil
}

// runStage executes one stage with its per-agent timeout and retry budget,
// records the outcome, and writes the artifact.
func (r *Runner) runStage(ctx context.Context, cycleID string, stage agent.Stage) error {
	agentCfg := r.agentConfig(stage.Name)
	prompt, err := r.buildInputs(cycleID, stage)
	if err != nil {
		return r.failStage(stage, time.Now(), err)
	}

	started := time.Now()
	var output string
	for attempt := 0; ; attempt++ {
		output, err = r.invokeOnce(ctx, stage, agentCfg, prompt)
		if err == nil || attempt >= agentCfg.MaxRetries || ctx.Err() != nil {
			break
		}
		r.logger.Warn("stage retry", "stage", stage.Name, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return r.failStage(stage, started, err)
	}

	if stage.Name == "synthesize" {
		if err := r.publishStrategy(cycleID, output); err != nil {
			return r.failStage(stage, started, err)
		}
	} else if err := r.store.Write(cycleID, stage.Artifact, []byte(output)); err != nil {
		return r.failStage(stage, started, err)
	}

	if stage.Name == "evaluate" {
		r.shareEvaluation(output)
	}

	r.machine.RecordStep(StepRecord{
		Stage:     stage.Name,
		Outcome:   OutcomeSuccess,
		StartedAt: started,
		EndedAt:   time.Now(),
	})
	r.logger.Info("stage completed", "cycle_id", cycleID, "stage", stage.Name)
	return nil
}

// enterStage transitions into the stage state, stepping through Idle when
// the current state can't reach it directly (Waiting → Idle → Evaluate).
// Already being in the target state is a no-op.
func (r *Runner) enterStage(to State) error {
	cur := r.machine.State()
	if cur == to {
		return nil
	}
	if CanTransition(cur, to) {
		return r.machine.Transition(to)
	}
	if cur != StateIdle {
		if err := r.machine.Transition(StateIdle); err != nil {
			return err
		}
	}
	return r.machine.Transition(to)
}

func (r *Runner) invokeOnce(ctx context.Context, stage agent.Stage, agentCfg config.AgentConfig, prompt string) (string, error) {
	timeout := time.Duration(agentCfg.TimeoutMinutes) * time.Minute
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	r.stageCancel = cancel
	r.mu.Unlock()

	return r.invoker.Run(stageCtx, agent.Invocation{
		Agent:  stage.Name,
		System: stage.System,
		Prompt: prompt,
		Config: agentCfg,
	})
}

// buildInputs assembles the stage prompt: mailbox notes, the agent's
// memory, and the upstream artifact.
func (r *Runner) buildInputs(cycleID string, stage agent.Stage) (string, error) {
	inputs := agent.StageInputs{}

	memory, err := r.store.ReadMemory(stage.Name)
	if err != nil {
		return "", err
	}
	inputs.Memory = memory

	messages, err := r.mail.Messages(stage.Name)
	if err != nil {
		return "", err
	}
	for _, msg := range messages {
		inputs.Notes = append(inputs.Notes, fmt.Sprintf("from %s: %s", msg.From, msg.Body))
	}

	switch stage.Name {
	case "evaluate":
		// Evaluate reads the previous completed cycle's strategy.
		prior, err := r.store.LatestCompleted()
		if err != nil {
			return "", err
		}
		if prior != "" {
			if data, err := r.store.Read(prior, agent.ArtifactStrategy); err == nil {
				inputs.PriorArtifact = string(data)
			}
		}
	case "plan":
		if data, err := r.store.Read(cycleID, agent.ArtifactEvaluation); err == nil {
			inputs.PriorArtifact = string(data)
		}
	case "research":
		data, err := r.store.Read(cycleID, agent.ArtifactPlan)
		if err != nil {
			return "", err
		}
		inputs.PriorArtifact = string(data)
	case "analyze":
		data, err := r.store.Read(cycleID, agent.ArtifactResearch)
		if err != nil {
			return "", err
		}
		inputs.PriorArtifact = string(data)
	case "synthesize":
		data, err := r.store.Read(cycleID, agent.ArtifactAnalysis)
		if err != nil {
			return "", err
		}
		inputs.PriorArtifact = string(data)
	}

	return agent.BuildPrompt(inputs), nil
}

// publishStrategy validates the synthesized document, stores it as the
// cycle artifact, and atomically installs it at the engine's watch path.
func (r *Runner) publishStrategy(cycleID, output string) error {
	raw := stripCodeFence(output)

	var doc types.StrategyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("synthesized strategy is not valid JSON: %w", err)
	}
	if len(doc.Positions) == 0 {
		return fmt.Errorf("synthesized strategy declares no positions")
	}

	if err := r.store.Write(cycleID, agent.ArtifactStrategy, []byte(raw)); err != nil {
		return err
	}

	path := r.cfg.Strategy.WatchPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create strategy dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(raw), 0o644); err != nil {
		return fmt.Errorf("write strategy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install strategy: %w", err)
	}

	r.logger.Info("strategy published", "cycle_id", cycleID, "path", path, "positions", len(doc.Positions))
	return nil
}

// shareEvaluation routes the evaluation's lessons to the planner: the full
// text into its memory, the headline into its mailbox.
func (r *Runner) shareEvaluation(evaluation string) {
	if err := r.store.AppendMemory("plan", evaluation); err != nil {
		r.logger.Warn("append plan memory", "error", err)
	}
	if headline := firstLine(evaluation); headline != "" {
		if _, err := r.mail.Send("evaluate", "plan", mailbox.TypeFeedback, headline); err != nil {
			r.logger.Warn("send evaluation note", "error", err)
		}
	}
}

func (r *Runner) failStage(stage agent.Stage, started time.Time, cause error) error {
	outcome := OutcomeFailed
	if errors.Is(cause, context.DeadlineExceeded) {
		outcome = OutcomeTimeout
	} else if errors.Is(cause, context.Canceled) {
		outcome = OutcomeSkipped // cancelled by shutdown or override
	}

	rec := StepRecord{
		Stage:     stage.Name,
		Outcome:   outcome,
		Error:     cause.Error(),
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	r.machine.RecordStep(rec)

	r.mu.Lock()
	r.errHistory = append(r.errHistory, rec)
	if len(r.errHistory) > maxErrorHistory {
		r.errHistory = r.errHistory[len(r.errHistory)-maxErrorHistory:]
	}
	r.mu.Unlock()

	// Pause wins over Failed when the operator interrupted the stage.
	if r.machine.State() == State(stage.Name) {
		if err := r.machine.Transition(StateFailed); err != nil {
			r.logger.Error("transition to failed", "error", err)
		}
	}
	return fmt.Errorf("stage %s: %w", stage.Name, cause)
}

// Pause cancels the in-flight stage and parks the machine.
func (r *Runner) Pause() error {
	state := r.machine.State()
	if !CanTransition(state, StatePaused) {
		return fmt.Errorf("cannot pause from %s", state)
	}
	if err := r.machine.Transition(StatePaused); err != nil {
		return err
	}
	r.cancelStage()
	return nil
}

// Resume returns a paused machine to Idle; the scheduler (or a forced
// cycle) picks the unfinished cycle back up.
func (r *Runner) Resume() error {
	return r.machine.Transition(StateIdle)
}

// Abort cancels the in-flight stage and discards the current cycle.
func (r *Runner) Abort() error {
	r.cancelStage()

	// Walk whatever state we're in down to Idle.
	for _, to := range []State{StateFailed, StateIdle} {
		if r.machine.State() == StateIdle {
			break
		}
		if CanTransition(r.machine.State(), to) {
			if err := r.machine.Transition(to); err != nil {
				return err
			}
		}
	}
	r.machine.Restore(CycleContext{State: StateIdle})
	return nil
}

// InterruptStage cancels the running stage; the restart loop resumes the
// cycle. The health monitor's critical path.
func (r *Runner) InterruptStage() {
	r.cancelStage()
}

func (r *Runner) cancelStage() {
	r.mu.Lock()
	cancel := r.stageCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) agentConfig(name string) config.AgentConfig {
	if cfg, ok := r.cfg.Agents[name]; ok {
		return cfg
	}
	// Sensible floor when the agent section is absent.
	return config.AgentConfig{
		Model:          "llama3.1",
		Temperature:    0.4,
		MaxTokens:      4096,
		TimeoutMinutes: 10,
		MaxIterations:  50,
	}
}

// stripCodeFence unwraps a ```-fenced block if the model ignored the
// no-fences instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return ""
}
