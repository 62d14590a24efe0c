// Package loop runs the agent learning loop: a state machine driving the
// Evaluate → Plan → Research → Analyze → Synthesize pipeline, a scheduler
// gating new cycles, and a health monitor that restarts stalled stages.
package loop

import (
	"fmt"
	"sync"
	"time"
)

// State is one learning-loop state.
type State string

const (
	StateIdle       State = "idle"
	StatePlan       State = "plan"
	StateResearch   State = "research"
	StateAnalyze    State = "analyze"
	StateSynthesize State = "synthesize"
	StateEvaluate   State = "evaluate"
	StateWaiting    State = "waiting_for_next_cycle"
	StatePaused     State = "paused"
	StateFailed     State = "failed"
)

// transitions is the legality table. A transition not listed here is a bug
// in the caller.
var transitions = map[State][]State{
	StateIdle:       {StatePlan, StateEvaluate},
	StatePlan:       {StateResearch, StateFailed, StatePaused},
	StateResearch:   {StateAnalyze, StateFailed, StatePaused},
	StateAnalyze:    {StateSynthesize, StateFailed, StatePaused},
	StateSynthesize: {StateWaiting, StateFailed, StatePaused},
	StateEvaluate:   {StatePlan, StateFailed},
	StateWaiting:    {StatePlan, StateIdle, StatePaused},
	StatePaused:     {StateEvaluate, StateIdle},
	StateFailed:     {StateIdle},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepOutcome classifies one finished stage run.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailed  StepOutcome = "failed"
	OutcomeTimeout StepOutcome = "timeout"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepRecord is one stage attempt inside a cycle.
type StepRecord struct {
	Stage     string      `json:"stage"`
	Outcome   StepOutcome `json:"outcome"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}

// CycleContext is the persisted progress of the current cycle.
type CycleContext struct {
	ID              string       `json:"id"`
	State           State        `json:"state"`
	Steps           []StepRecord `json:"steps"`
	RestartAttempts int          `json:"restart_attempts"`
	StartedAt       time.Time    `json:"started_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Machine is the learning-loop state machine. Every transition is persisted
// through the supplied callback before it is visible to readers.
type Machine struct {
	mu      sync.Mutex
	ctx     CycleContext
	persist func(CycleContext) error
	lastAt  time.Time
	now     func() time.Time
}

// NewMachine starts in Idle. persist may be nil for a volatile machine.
func NewMachine(persist func(CycleContext) error) *Machine {
	m := &Machine{
		ctx:     CycleContext{State: StateIdle},
		persist: persist,
		now:     time.Now,
	}
	m.lastAt = m.now()
	return m
}

// Restore installs a previously persisted context, e.g. after a process
// restart.
func (m *Machine) Restore(ctx CycleContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.lastAt = m.now()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.State
}

// Snapshot returns a copy of the cycle context.
func (m *Machine) Snapshot() CycleContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.ctx
	out.Steps = append([]StepRecord(nil), m.ctx.Steps...)
	return out
}

// LastTransition returns when the state last changed; the health monitor's
// stall clock.
func (m *Machine) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAt
}

// Transition moves to a new state, enforcing the legality table.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.ctx.State, to) {
		return fmt.Errorf("illegal transition %s → %s", m.ctx.State, to)
	}
	m.ctx.State = to
	m.ctx.UpdatedAt = m.now()
	m.lastAt = m.ctx.UpdatedAt
	return m.persistLocked()
}

// BeginCycle resets the context for a fresh cycle id.
func (m *Machine) BeginCycle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = CycleContext{
		ID:        id,
		State:     m.ctx.State,
		StartedAt: m.now(),
		UpdatedAt: m.now(),
	}
	_ = m.persistLocked()
}

// RecordStep appends a finished stage attempt.
func (m *Machine) RecordStep(rec StepRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Steps = append(m.ctx.Steps, rec)
	m.ctx.UpdatedAt = m.now()
	_ = m.persistLocked()
}

// IncrementRestarts bumps and returns the restart counter.
func (m *Machine) IncrementRestarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.RestartAttempts++
	_ = m.persistLocked()
	return m.ctx.RestartAttempts
}

// StageSucceeded reports whether the named stage already completed in this
// cycle; the resume path skips it.
func (m *Machine) StageSucceeded(stage string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.ctx.Steps {
		if rec.Stage == stage && rec.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

func (m *Machine) persistLocked() error {
	if m.persist == nil {
		return nil
	}
	return m.persist(m.ctx)
}
