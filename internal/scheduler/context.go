package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskchain/internal/adapter"
)

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	FailureStart     FailureKind = "start"
	FailureExecute   FailureKind = "execute"
	FailureStop      FailureKind = "stop"
	FailureTimeout   FailureKind = "timeout"
	FailurePanic     FailureKind = "panic"
	FailureCancelled FailureKind = "cancelled"
)

// Failure describes a failed attempt.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Phase   string      `json:"phase,omitempty"` // Adapter operation that failed, if any
	Err     error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Phase != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Phase, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// SkipReason explains why a task never ran to completion.
type SkipReason string

const (
	SkipDisabled         SkipReason = "disabled"
	SkipDependencyFailed SkipReason = "dependency_failed"
	SkipChainStopped     SkipReason = "chain_stopped"
	SkipCancelled        SkipReason = "cancelled"
	SkipStalled          SkipReason = "stalled"
)

// ChainState is the overall outcome of a chain run.
type ChainState string

const (
	ChainPending               ChainState = "pending"
	ChainRunning               ChainState = "running"
	ChainCompleted             ChainState = "completed"
	ChainCompletedWithFailures ChainState = "completed_with_failures"
	ChainFailed                ChainState = "failed"
	ChainAborted               ChainState = "aborted"
)

// IsTerminal reports whether the chain has finished.
func (s ChainState) IsTerminal() bool {
	switch s {
	case ChainCompleted, ChainCompletedWithFailures, ChainFailed, ChainAborted:
		return true
	}
	return false
}

// TaskRun records a single attempt of a task.
type TaskRun struct {
	TaskID    string          `json:"task_id"`
	Attempt   int             `json:"attempt"`
	State     TaskState       `json:"state"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Result    adapter.Outcome `json:"result"`
	Failure   *Failure        `json:"failure,omitempty"`
}

// Duration returns the attempt's wall time, zero while in flight.
func (r TaskRun) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

type taskRecord struct {
	state      TaskState
	runs       []TaskRun
	skipReason SkipReason
}

// ExecutionContext holds the mutable state of one chain run.
// Readers such as reports and the TUI may inspect it while the runner writes.
type ExecutionContext struct {
	mu        sync.RWMutex
	runID     string
	chainName string
	graph     *Graph
	state     ChainState
	startedAt time.Time
	endedAt   time.Time
	tasks     map[string]*taskRecord
	variables map[string]string
	now       func() time.Time
}

// NewExecutionContext creates a context with every task pending.
// variables seeds the shared variable bag; it is copied.
func NewExecutionContext(chainName string, graph *Graph, variables map[string]string) *ExecutionContext {
	ec := &ExecutionContext{
		runID:     uuid.NewString(),
		chainName: chainName,
		graph:     graph,
		state:     ChainPending,
		tasks:     make(map[string]*taskRecord, graph.Len()),
		variables: make(map[string]string, len(variables)),
		now:       time.Now,
	}
	for _, id := range graph.IDs() {
		ec.tasks[id] = &taskRecord{state: TaskPending}
	}
	for k, v := range variables {
		ec.variables[k] = v
	}
	return ec
}

// RunID returns the unique id of this run.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// ChainName returns the chain's declared name.
func (ec *ExecutionContext) ChainName() string { return ec.chainName }

// Graph returns the graph this run executes.
func (ec *ExecutionContext) Graph() *Graph { return ec.graph }

// State returns the chain state.
func (ec *ExecutionContext) State() ChainState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.state
}

// Start marks the chain running.
func (ec *ExecutionContext) Start() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.state = ChainRunning
	ec.startedAt = ec.now()
}

// Finish records the final chain state. Later calls are ignored.
func (ec *ExecutionContext) Finish(state ChainState) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state.IsTerminal() {
		return
	}
	ec.state = state
	ec.endedAt = ec.now()
}

// TaskState returns the current state of a task; unknown ids report pending.
func (ec *ExecutionContext) TaskState(id string) TaskState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	rec, ok := ec.tasks[id]
	if !ok {
		return TaskPending
	}
	return rec.state
}

// States returns a copy of every task's state.
func (ec *ExecutionContext) States() map[string]TaskState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]TaskState, len(ec.tasks))
	for id, rec := range ec.tasks {
		out[id] = rec.state
	}
	return out
}

// Ready returns dispatchable tasks in declaration order.
func (ec *ExecutionContext) Ready() []string {
	states := ec.States()
	return ec.graph.Ready(func(id string) TaskState {
		if states[id] == TaskReady {
			return TaskPending
		}
		return states[id]
	})
}

// Unfinished returns ids of all non-terminal tasks in declaration order.
func (ec *ExecutionContext) Unfinished() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var out []string
	for _, id := range ec.graph.order {
		if !ec.tasks[id].state.IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// Attempts returns copies of every recorded attempt for a task.
func (ec *ExecutionContext) Attempts(id string) []TaskRun {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	rec, ok := ec.tasks[id]
	if !ok {
		return nil
	}
	return append([]TaskRun(nil), rec.runs...)
}

// LatestRun returns the authoritative (most recent) attempt.
func (ec *ExecutionContext) LatestRun(id string) (TaskRun, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	rec, ok := ec.tasks[id]
	if !ok || len(rec.runs) == 0 {
		return TaskRun{}, false
	}
	return rec.runs[len(rec.runs)-1], true
}

// SkipReason returns why a task was skipped, empty if it was not.
func (ec *ExecutionContext) SkipReason(id string) SkipReason {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if rec, ok := ec.tasks[id]; ok {
		return rec.skipReason
	}
	return ""
}

func (ec *ExecutionContext) record(id string) (*taskRecord, error) {
	rec, ok := ec.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec, nil
}

// MarkReady moves a pending task to ready.
func (ec *ExecutionContext) MarkReady(id string) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	rec, err := ec.record(id)
	if err != nil {
		return err
	}
	if rec.state != TaskPending {
		return fmt.Errorf("%w: task %s is %s, cannot become ready", ErrInvalidState, id, rec.state)
	}
	rec.state = TaskReady
	return nil
}

// BeginAttempt records a new in-flight attempt and returns its 1-based number.
// It refuses a second attempt while one is running.
func (ec *ExecutionContext) BeginAttempt(id string) (int, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	rec, err := ec.record(id)
	if err != nil {
		return 0, err
	}
	switch rec.state {
	case TaskRunning:
		return 0, fmt.Errorf("%w: %s", ErrAttemptInFlight, id)
	case TaskPending, TaskReady:
	default:
		return 0, fmt.Errorf("%w: task %s is %s, cannot start", ErrInvalidState, id, rec.state)
	}

	attempt := len(rec.runs) + 1
	rec.state = TaskRunning
	rec.runs = append(rec.runs, TaskRun{
		TaskID:    id,
		Attempt:   attempt,
		State:     TaskRunning,
		StartedAt: ec.now(),
	})
	return attempt, nil
}

// CompleteAttempt marks the in-flight attempt successful.
func (ec *ExecutionContext) CompleteAttempt(id string, outcome adapter.Outcome) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	run, rec, err := ec.inFlight(id)
	if err != nil {
		return err
	}
	run.State = TaskCompleted
	run.EndedAt = ec.now()
	run.Result = outcome
	rec.state = TaskCompleted
	return nil
}

// FailAttempt marks the in-flight attempt failed, keeping whatever partial
// outcome the adapter produced. When retry is set the task returns to ready for
// another attempt, otherwise it ends failed.
func (ec *ExecutionContext) FailAttempt(id string, outcome adapter.Outcome, failure Failure, retry bool) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	run, rec, err := ec.inFlight(id)
	if err != nil {
		return err
	}
	f := failure
	run.State = TaskFailed
	run.EndedAt = ec.now()
	run.Failure = &f
	run.Result = outcome
	if retry {
		rec.state = TaskReady
	} else {
		rec.state = TaskFailed
	}
	return nil
}

func (ec *ExecutionContext) inFlight(id string) (*TaskRun, *taskRecord, error) {
	rec, err := ec.record(id)
	if err != nil {
		return nil, nil, err
	}
	if rec.state != TaskRunning || len(rec.runs) == 0 {
		return nil, nil, fmt.Errorf("%w: task %s has no attempt in flight", ErrInvalidState, id)
	}
	return &rec.runs[len(rec.runs)-1], rec, nil
}

// Skip marks a task that is not running and not finished as skipped.
func (ec *ExecutionContext) Skip(id string, reason SkipReason) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	rec, err := ec.record(id)
	if err != nil {
		return err
	}
	if rec.state == TaskRunning || rec.state.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s, cannot skip", ErrInvalidState, id, rec.state)
	}
	rec.state = TaskSkipped
	rec.skipReason = reason
	return nil
}

// Variables returns a copy of the shared variable bag.
func (ec *ExecutionContext) Variables() map[string]string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]string, len(ec.variables))
	for k, v := range ec.variables {
		out[k] = v
	}
	return out
}

// MergeVariables writes vars into the shared bag, overwriting existing keys.
func (ec *ExecutionContext) MergeVariables(vars map[string]string) {
	if len(vars) == 0 {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for k, v := range vars {
		ec.variables[k] = v
	}
}
