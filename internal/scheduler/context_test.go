package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskchain/internal/adapter"
)

func newTestContext(t *testing.T, tasks ...TaskDescriptor) *ExecutionContext {
	t.Helper()
	g, err := BuildGraph(tasks)
	require.NoError(t, err)
	return NewExecutionContext("test", g, map[string]string{"seed": "1"})
}

func TestExecutionContext_AttemptLifecycle(t *testing.T) {
	ec := newTestContext(t, task("A"), task("B", "A"))

	assert.NotEmpty(t, ec.RunID())
	assert.Equal(t, ChainPending, ec.State())
	assert.Equal(t, []string{"A"}, ec.Ready())

	require.NoError(t, ec.MarkReady("A"))
	attempt, err := ec.BeginAttempt("A")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, TaskRunning, ec.TaskState("A"))

	_, err = ec.BeginAttempt("A")
	assert.ErrorIs(t, err, ErrAttemptInFlight)

	require.NoError(t, ec.CompleteAttempt("A", adapter.Outcome{Output: "ok"}))
	assert.Equal(t, TaskCompleted, ec.TaskState("A"))
	assert.Equal(t, []string{"B"}, ec.Ready())

	run, ok := ec.LatestRun("A")
	require.True(t, ok)
	assert.Equal(t, "ok", run.Result.Output)
	assert.False(t, run.EndedAt.IsZero())

	// Terminal tasks cannot restart
	_, err = ec.BeginAttempt("A")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecutionContext_RetryKeepsHistory(t *testing.T) {
	ec := newTestContext(t, task("A"))

	_, err := ec.BeginAttempt("A")
	require.NoError(t, err)
	require.NoError(t, ec.FailAttempt("A", adapter.Outcome{}, Failure{Kind: FailureExecute, Message: "boom"}, true))
	assert.Equal(t, TaskReady, ec.TaskState("A"))
	assert.Equal(t, []string{"A"}, ec.Ready())

	attempt, err := ec.BeginAttempt("A")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
	require.NoError(t, ec.FailAttempt("A", adapter.Outcome{}, Failure{Kind: FailureTimeout, Message: "slow"}, false))
	assert.Equal(t, TaskFailed, ec.TaskState("A"))

	runs := ec.Attempts("A")
	require.Len(t, runs, 2)
	assert.Equal(t, FailureExecute, runs[0].Failure.Kind)
	assert.Equal(t, FailureTimeout, runs[1].Failure.Kind)

	latest, _ := ec.LatestRun("A")
	assert.Equal(t, 2, latest.Attempt)
}

func TestExecutionContext_SkipAndErrors(t *testing.T) {
	ec := newTestContext(t, task("A"), task("B", "A"))

	require.NoError(t, ec.Skip("B", SkipDependencyFailed))
	assert.Equal(t, TaskSkipped, ec.TaskState("B"))
	assert.Equal(t, SkipDependencyFailed, ec.SkipReason("B"))
	assert.ErrorIs(t, ec.Skip("B", SkipCancelled), ErrInvalidState)

	_, err := ec.BeginAttempt("A")
	require.NoError(t, err)
	assert.ErrorIs(t, ec.Skip("A", SkipCancelled), ErrInvalidState)

	assert.ErrorIs(t, ec.CompleteAttempt("B", adapter.Outcome{}), ErrInvalidState)
	assert.ErrorIs(t, ec.MarkReady("missing"), ErrTaskNotFound)
	assert.Equal(t, []string{"A"}, ec.Unfinished())
}

func TestExecutionContext_VariablesAndFinish(t *testing.T) {
	ec := newTestContext(t, task("A"))

	ec.MergeVariables(map[string]string{"token": "abc", "seed": "2"})
	vars := ec.Variables()
	assert.Equal(t, map[string]string{"token": "abc", "seed": "2"}, vars)

	vars["token"] = "mutated"
	assert.Equal(t, "abc", ec.Variables()["token"])

	ec.Start()
	assert.Equal(t, ChainRunning, ec.State())
	ec.Finish(ChainCompleted)
	ec.Finish(ChainFailed)
	assert.Equal(t, ChainCompleted, ec.State())
}

func TestFailureError(t *testing.T) {
	f := &Failure{Kind: FailureStart, Phase: adapter.OpStart, Message: "no binary"}
	assert.Equal(t, "start (start): no binary", f.Error())
	f = &Failure{Kind: FailurePanic, Message: "nil map"}
	assert.Equal(t, "panic: nil map", f.Error())
}
