package scheduler

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskchain/internal/adapter"
)

// finishedContext drives a context to a terminal state with a fixed clock.
func finishedContext(t *testing.T) *ExecutionContext {
	t.Helper()
	ec := newTestContext(t, task("A"), task("B", "A"), task("C", "A"), disabled("D"))

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ec.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	ec.Start()
	require.NoError(t, ec.Skip("D", SkipDisabled))

	_, err := ec.BeginAttempt("A")
	require.NoError(t, err)
	require.NoError(t, ec.CompleteAttempt("A", adapter.Outcome{Output: "logged in", Variables: map[string]string{"user": "x"}}))

	_, err = ec.BeginAttempt("B")
	require.NoError(t, err)
	require.NoError(t, ec.FailAttempt("B", adapter.Outcome{}, Failure{Kind: FailureExecute, Message: "exit 1"}, false))

	_, err = ec.BeginAttempt("C")
	require.NoError(t, err)
	require.NoError(t, ec.CompleteAttempt("C", adapter.Outcome{ExitCode: 0}))

	ec.Finish(ChainCompletedWithFailures)
	return ec
}

func TestCollect(t *testing.T) {
	ec := finishedContext(t)
	r := Collect(ec)

	assert.Equal(t, ec.RunID(), r.RunID)
	assert.Equal(t, "test", r.Chain)
	assert.Equal(t, ChainCompletedWithFailures, r.Outcome)
	assert.Equal(t, 4, r.Total)
	assert.Equal(t, Counts{Completed: 2, Failed: 1, Skipped: 1}, r.Counts)
	assert.Equal(t, 1.0, r.Progress())
	assert.False(t, r.Succeeded())

	require.Len(t, r.Tasks, 4)
	assert.Equal(t, []string{"A", "B", "C", "D"}, []string{r.Tasks[0].ID, r.Tasks[1].ID, r.Tasks[2].ID, r.Tasks[3].ID})

	a, ok := r.Task("A")
	require.True(t, ok)
	assert.Equal(t, "logged in", a.Output)
	assert.Equal(t, time.Second, a.Duration)
	assert.Equal(t, 1, a.Attempts)

	d, _ := r.Task("D")
	assert.Equal(t, SkipDisabled, d.SkipReason)
	assert.Zero(t, d.Attempts)

	failures := r.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].ID)
	assert.Equal(t, FailureExecute, failures[0].Failure.Kind)

	assert.Equal(t, 3*time.Second, r.TotalDuration)
	assert.Equal(t, time.Second, r.AverageDuration)
	assert.Equal(t, map[string]string{"seed": "1"}, r.Variables)
}

func TestCollect_Idempotent(t *testing.T) {
	ec := finishedContext(t)
	first := Collect(ec)
	second := Collect(ec)
	assert.True(t, reflect.DeepEqual(first, second))
}

func TestCollect_PartialRun(t *testing.T) {
	ec := newTestContext(t, task("A"), task("B", "A"))
	ec.Start()
	_, err := ec.BeginAttempt("A")
	require.NoError(t, err)

	r := Collect(ec)
	assert.Equal(t, ChainRunning, r.Outcome)
	assert.Equal(t, Counts{Running: 1, Pending: 1}, r.Counts)
	assert.Equal(t, 0.0, r.Progress())
	assert.Zero(t, r.AverageDuration)
}

func TestReportJSON(t *testing.T) {
	r := Collect(finishedContext(t))
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "completed_with_failures", decoded["outcome"])
	assert.Contains(t, decoded, "tasks")
}
