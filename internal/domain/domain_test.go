package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []FlowState{FlowCompleted, FlowFailed, FlowAborted} {
		assert.True(t, s.Terminal())
		assert.Empty(t, flowTransitions[s], "flow %s", s)
	}
	assert.Empty(t, taskTransitions[TaskClosed])
	assert.Empty(t, mergeTransitions[MergeExecuted])
	assert.Empty(t, mergeTransitions[MergeRejected])
	assert.Empty(t, attemptTransitions[AttemptFinished])
}

func TestTaskCannotSkipTheGate(t *testing.T) {
	assert.False(t, CanTransitionTask(TaskCreated, TaskCompleted))
	assert.False(t, CanTransitionTask(TaskCompleted, TaskStarted))
	assert.True(t, CanTransitionTask(TaskVerifying, TaskCompleted))
	assert.True(t, CanTransitionTask(TaskFailed, TaskStarted))

	err := ValidateTaskTransition("t1", TaskCompleted, TaskStarted)
	de, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryConflict, de.Category)
	assert.Equal(t, CodeInvalidTransition, de.Code)
	assert.Equal(t, string(TaskStarted), de.Expected)
	assert.Equal(t, string(TaskCompleted), de.Actual)
	assert.Equal(t, "t1", de.AggregateID)
}

func TestMergeRequiresApproval(t *testing.T) {
	assert.Error(t, ValidateMergeTransition("m1", MergePrepared, MergeExecuted))
	assert.NoError(t, ValidateMergeTransition("m1", MergePrepared, MergeApproved))
	assert.NoError(t, ValidateMergeTransition("m1", MergeApproved, MergeExecuted))
}

func TestPausedFlowCanOnlyResumeOrEnd(t *testing.T) {
	assert.NoError(t, ValidateFlowTransition("f1", FlowPaused, FlowRunning))
	assert.Error(t, ValidateFlowTransition("f1", FlowPaused, FlowCreated))
	assert.Error(t, ValidateFlowTransition("f1", FlowCreated, FlowPaused))
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("tick: %w", NotFound(AggFlow, "f1"))
	assert.Equal(t, CategoryUser, CategoryOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeNotFound))
	assert.Equal(t, CategorySystem, CategoryOf(errors.New("plain")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CategoryTimeout, CategoryOf(context.DeadlineExceeded))
	assert.Equal(t, Category(""), CategoryOf(nil))

	cause := errors.New("disk I/O error")
	sys := System(cause)
	assert.Equal(t, CategorySystem, CategoryOf(sys))
	assert.ErrorIs(t, sys, cause)

	already := ConflictErr(CodeConflict, "stale")
	assert.Same(t, already, System(already))
	assert.Nil(t, System(nil))
}

func TestErrorMessageNamesAggregateAndState(t *testing.T) {
	err := InvalidTransition(AggFlow, "f1", FlowCompleted, FlowRunning)
	assert.Contains(t, err.Error(), "flow f1")
	assert.Contains(t, err.Error(), "expected Running, actual Completed")

	err = InvalidInput("bad %s", "mode").With("mode", "sideways")
	assert.Equal(t, "sideways", err.Details["mode"])
	assert.Equal(t, "InvalidInput: bad mode", err.Error())
}

func TestCheckpointPassedHonorsOverride(t *testing.T) {
	var nilCp *Checkpoint
	assert.False(t, nilCp.Passed())

	cp := &Checkpoint{Satisfied: true}
	assert.True(t, cp.Passed())
	cp.Override = &Override{Decision: DecisionFail}
	assert.False(t, cp.Passed())

	cp = &Checkpoint{Satisfied: false, Override: &Override{Decision: DecisionPass}}
	assert.True(t, cp.Passed())
}

func TestDoneEquivalent(t *testing.T) {
	assert.True(t, Task{State: TaskCompleted}.DoneEquivalent())
	assert.True(t, Task{State: TaskClosed, CompletedAt: "2024-01-01T00:00:00Z"}.DoneEquivalent())
	assert.False(t, Task{State: TaskClosed}.DoneEquivalent())
	assert.False(t, Task{State: TaskVerifying}.DoneEquivalent())
}
