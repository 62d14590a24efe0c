package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLegality(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePlan, true},
		{StateIdle, StateEvaluate, true},
		{StateIdle, StateResearch, false},
		{StatePlan, StateResearch, true},
		{StatePlan, StateSynthesize, false},
		{StateResearch, StateAnalyze, true},
		{StateAnalyze, StateSynthesize, true},
		{StateSynthesize, StateWaiting, true},
		{StateSynthesize, StatePlan, false},
		{StateEvaluate, StatePlan, true},
		{StateEvaluate, StatePaused, false},
		{StateWaiting, StatePlan, true},
		{StateWaiting, StateIdle, true},
		{StateWaiting, StateEvaluate, false},
		{StatePaused, StateIdle, true},
		{StatePaused, StateEvaluate, true},
		{StatePaused, StatePlan, false},
		{StateFailed, StateIdle, true},
		{StateFailed, StatePlan, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s → %s", tc.from, tc.to)
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	t.Parallel()
	m := NewMachine(nil)
	err := m.Transition(StateResearch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
	assert.Equal(t, StateIdle, m.State())
}

func TestMachinePersistsEveryTransition(t *testing.T) {
	t.Parallel()
	var persisted []CycleContext
	m := NewMachine(func(ctx CycleContext) error {
		persisted = append(persisted, ctx)
		return nil
	})

	m.BeginCycle("20260824_120000")
	require.NoError(t, m.Transition(StatePlan))
	require.NoError(t, m.Transition(StateResearch))

	require.Len(t, persisted, 3)
	assert.Equal(t, "20260824_120000", persisted[2].ID)
	assert.Equal(t, StateResearch, persisted[2].State)
}

func TestMachineRestore(t *testing.T) {
	t.Parallel()
	m := NewMachine(nil)
	m.Restore(CycleContext{
		ID:    "20260824_090000",
		State: StatePlan,
		Steps: []StepRecord{{Stage: "plan", Outcome: OutcomeSuccess}},
	})

	assert.Equal(t, StatePlan, m.State())
	assert.True(t, m.StageSucceeded("plan"))
	assert.False(t, m.StageSucceeded("research"))
}

func TestStageSucceededIgnoresFailures(t *testing.T) {
	t.Parallel()
	m := NewMachine(nil)
	m.BeginCycle("c1")
	m.RecordStep(StepRecord{Stage: "plan", Outcome: OutcomeFailed})
	assert.False(t, m.StageSucceeded("plan"))
	m.RecordStep(StepRecord{Stage: "plan", Outcome: OutcomeSuccess})
	assert.True(t, m.StageSucceeded("plan"))
}

func TestBeginCycleResetsStepsAndRestarts(t *testing.T) {
	t.Parallel()
	m := NewMachine(nil)
	m.BeginCycle("c1")
	m.RecordStep(StepRecord{Stage: "plan", Outcome: OutcomeSuccess})
	m.IncrementRestarts()

	m.BeginCycle("c2")
	snap := m.Snapshot()
	assert.Equal(t, "c2", snap.ID)
	assert.Empty(t, snap.Steps)
	assert.Zero(t, snap.RestartAttempts)
}

func TestLastTransitionAdvances(t *testing.T) {
	t.Parallel()
	m := NewMachine(nil)
	before := m.LastTransition()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Transition(StatePlan))
	assert.True(t, m.LastTransition().After(before))
}
