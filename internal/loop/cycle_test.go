package loop

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/internal/agent"
	"tradepilot/internal/artifacts"
	"tradepilot/internal/config"
	"tradepilot/internal/mailbox"
	"tradepilot/internal/tools"
)

const strategyJSON = `{
  "mode": "paper",
  "posture": "normal",
  "validity_window": "2026-08-24T18:00:00Z",
  "portfolio_risk": {
    "max_drawdown_pct": 0.1,
    "daily_loss_limit_usd": 500,
    "max_total_exposure_pct": 0.5,
    "max_per_position_pct": 0.25
  },
  "positions": [
    {"id": "btc-long", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.2, "entry_type": "market"}
  ]
}`

// fakeModel replays scripted assistant messages in call order, optionally
// failing specific calls (1-based).
type fakeModel struct {
	mu     sync.Mutex
	script []string
	failAt map[int]bool
	calls  int
}

func (f *fakeModel) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		n := f.calls
		f.mu.Unlock()

		if f.failAt[n] || n > len(f.script) {
			http.Error(w, "model unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agent.ChatResponse{
			Message: agent.ChatMessage{Role: "assistant", Content: f.script[n-1]},
			Done:    true,
		})
	}
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type runnerFixture struct {
	runner  *Runner
	machine *Machine
	store   *artifacts.Manager
	mail    *mailbox.Store
	model   *fakeModel
	cfg     config.Config
}

func newRunnerFixture(t *testing.T, script []string, failAt map[int]bool) *runnerFixture {
	t.Helper()
	logger := slog.Default()

	model := &fakeModel{script: script, failAt: failAt}
	srv := httptest.NewServer(model.handler())
	t.Cleanup(srv.Close)

	base := t.TempDir()
	cfg := config.Config{
		Strategy: config.StrategyConfig{WatchPath: filepath.Join(base, "live", "strategy.json")},
		Resilience: config.ResilienceConfig{
			MaxRestartAttempts:   2,
			StallWarningMinutes:  10,
			StallCriticalMinutes: 20,
		},
		Storage: config.StorageConfig{
			BasePath:              base,
			CyclesPath:            "cycles",
			MemoryPath:            "memory",
			ArchiveRetentionCount: 10,
		},
		Ollama: config.OllamaConfig{BaseUrl: srv.URL, TimeoutSeconds: 5},
		Cycle:  config.CycleConfig{ScheduleIntervalMinutes: 30},
		Agents: map[string]config.AgentConfig{},
	}
	for _, name := range config.AgentNames {
		cfg.Agents[name] = config.AgentConfig{
			Model:          "llama3.1",
			Temperature:    0.2,
			MaxTokens:      512,
			TimeoutMinutes: 1,
			MaxIterations:  5,
		}
	}

	store, err := artifacts.NewManager(cfg.Storage, logger)
	require.NoError(t, err)
	mail, err := mailbox.New(filepath.Join(base, "mailboxes"), 5, logger)
	require.NoError(t, err)

	client := agent.NewClient(cfg.Ollama, logger)
	executor := tools.NewExecutor(config.ToolsConfig{DefaultTimeoutSeconds: 5}, logger)
	invoker := agent.NewInvoker(client, executor, logger)

	machine := NewMachine(nil)
	return &runnerFixture{
		runner:  NewRunner(cfg, machine, invoker, store, mail, logger),
		machine: machine,
		store:   store,
		mail:    mail,
		model:   model,
		cfg:     cfg,
	}
}

func TestRunCycleHappyPath(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{
		"# Plan\ninvestigate BTC",
		"# Research\nBTC mid 50005",
		"# Analysis\nlong setup",
		strategyJSON,
	}, nil)

	require.NoError(t, fx.runner.RunCycle(context.Background()))

	assert.Equal(t, StateWaiting, fx.machine.State())
	assert.Equal(t, 4, fx.model.callCount())

	snap := fx.machine.Snapshot()
	require.Len(t, snap.Steps, 4)
	for _, step := range snap.Steps {
		assert.Equal(t, OutcomeSuccess, step.Outcome, step.Stage)
	}

	// Every artifact landed in the cycle directory.
	for _, name := range []string{agent.ArtifactPlan, agent.ArtifactResearch, agent.ArtifactAnalysis, agent.ArtifactStrategy} {
		_, err := fx.store.Read(snap.ID, name)
		assert.NoError(t, err, name)
	}

	// The strategy was installed at the watch path.
	data, err := os.ReadFile(fx.cfg.Strategy.WatchPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "btc-long")
}

func TestRunCycleEvaluatesWhenHistoryExists(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{
		"# Evaluation\nStop was too tight last cycle.",
		"# Plan\nwiden stops",
		"# Research\ndata",
		"# Analysis\nsetups",
		strategyJSON,
	}, nil)

	// A completed prior cycle triggers the evaluate stage.
	require.NoError(t, fx.store.CreateCycle("20260101_000000"))
	require.NoError(t, fx.store.Write("20260101_000000", agent.ArtifactStrategy, []byte(strategyJSON)))

	require.NoError(t, fx.runner.RunCycle(context.Background()))
	assert.Equal(t, 5, fx.model.callCount())

	snap := fx.machine.Snapshot()
	require.Len(t, snap.Steps, 5)
	assert.Equal(t, "evaluate", snap.Steps[0].Stage)

	// The evaluation reached the planner's memory and mailbox.
	memory, err := fx.store.ReadMemory("plan")
	require.NoError(t, err)
	assert.Contains(t, memory, "Stop was too tight")

	msgs, err := fx.mail.Messages("plan")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evaluate", msgs[0].From)
	assert.Equal(t, mailbox.TypeFeedback, msgs[0].Type)
	assert.Contains(t, msgs[0].Body, "Evaluation")
}

func TestRunCycleResumesAtFailedStage(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{
		"# Plan\nplan once",
		"",
		"# Research\ndata",
		"# Analysis\nsetups",
		strategyJSON,
	}, map[int]bool{2: true})

	err := fx.runner.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage research")
	assert.Equal(t, StateFailed, fx.machine.State())

	firstID := fx.machine.Snapshot().ID
	require.NotEmpty(t, firstID)

	// Recover and rerun: the plan stage is not repeated.
	require.NoError(t, fx.machine.Transition(StateIdle))
	require.NoError(t, fx.runner.RunCycle(context.Background()))

	snap := fx.machine.Snapshot()
	assert.Equal(t, firstID, snap.ID)
	assert.Equal(t, StateWaiting, snap.State)
	assert.Equal(t, 5, fx.model.callCount()) // plan, failed research, then 3 remaining stages
}

func TestRunCycleRejectsUnparseableStrategy(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{
		"# Plan", "# Research", "# Analysis",
		"I think we should go long BTC.",
	}, nil)

	err := fx.runner.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
	assert.Equal(t, StateFailed, fx.machine.State())

	errs := fx.runner.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "synthesize", errs[0].Stage)
	assert.Equal(t, OutcomeFailed, errs[0].Outcome)

	// Nothing reached the engine's watch path.
	_, statErr := os.Stat(fx.cfg.Strategy.WatchPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCycleAcceptsFencedStrategy(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{
		"# Plan", "# Research", "# Analysis",
		"```json\n" + strategyJSON + "\n```",
	}, nil)

	require.NoError(t, fx.runner.RunCycle(context.Background()))

	data, err := os.ReadFile(fx.cfg.Strategy.WatchPath)
	require.NoError(t, err)
	assert.JSONEq(t, strategyJSON, string(data))
}

func TestTryStartRestartsFailedCycle(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{
		"# Plan",
		"",
		"# Research", "# Analysis",
		strategyJSON,
	}, map[int]bool{2: true})

	require.True(t, fx.runner.TryStart(context.Background()))
	require.Eventually(t, func() bool {
		return !fx.runner.Running() && fx.machine.State() == StateWaiting
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, fx.machine.Snapshot().RestartAttempts)
	assert.Equal(t, 5, fx.model.callCount())
}

func TestTryStartRefusesConcurrentCycles(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, []string{"# Plan", "# Research", "# Analysis", strategyJSON}, nil)

	require.True(t, fx.runner.TryStart(context.Background()))
	// At most one goroutine owns the cycle; the second start is rejected
	// or arrives after completion.
	if fx.runner.Running() {
		assert.False(t, fx.runner.TryStart(context.Background()))
	}
	require.Eventually(t, func() bool { return !fx.runner.Running() }, 10*time.Second, 10*time.Millisecond)
}

func TestAbortDiscardsCycle(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, nil, nil)
	fx.machine.BeginCycle("c1")
	require.NoError(t, fx.machine.Transition(StatePlan))

	require.NoError(t, fx.runner.Abort())
	assert.Equal(t, StateIdle, fx.machine.State())
	assert.Empty(t, fx.machine.Snapshot().ID)
}

func TestPauseOnlyFromPausableStates(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, nil, nil)

	// Idle cannot pause.
	require.Error(t, fx.runner.Pause())

	require.NoError(t, fx.machine.Transition(StatePlan))
	require.NoError(t, fx.runner.Pause())
	assert.Equal(t, StatePaused, fx.machine.State())

	require.NoError(t, fx.runner.Resume())
	assert.Equal(t, StateIdle, fx.machine.State())
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
