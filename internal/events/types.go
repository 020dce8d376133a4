package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Publisher is the write side of the bus, as seen by the chain runner.
type Publisher interface {
	Publish(topic string, event Event)
}

// Topic constants
const (
	TopicTask  = "task"
	TopicChain = "chain"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskSkipped   = "task.skipped"
	EventTypeChainStarted  = "chain.started"
	EventTypeChainProgress = "chain.progress"
	EventTypeChainFinished = "chain.finished"
)

// TaskStartedEvent is published when an attempt begins.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Adapter   string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of adapter output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Adapter   string
	Attempt   int
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published for every failed attempt, including ones that will be retried.
type TaskFailedEvent struct {
	ID        string
	Adapter   string
	Attempt   int
	Kind      string // Failure classification
	Decision  string // Error handler verdict
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published before waiting for the next attempt.
type TaskRetryingEvent struct {
	ID          string
	NextAttempt int
	Delay       time.Duration
	Timestamp   time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when a task will never run.
type TaskSkippedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// ChainStartedEvent is published once per run.
type ChainStartedEvent struct {
	RunID     string
	Chain     string
	Total     int
	Timestamp time.Time
}

func (e ChainStartedEvent) EventType() string { return EventTypeChainStarted }
func (e ChainStartedEvent) TaskID() string    { return "" }

// ChainProgressEvent is published whenever a task reaches a terminal state.
type ChainProgressEvent struct {
	RunID     string
	Total     int
	Completed int
	Running   int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e ChainProgressEvent) EventType() string { return EventTypeChainProgress }
func (e ChainProgressEvent) TaskID() string    { return "" }

// Done returns the number of tasks in a terminal state.
func (e ChainProgressEvent) Done() int { return e.Completed + e.Failed + e.Skipped }

// ChainFinishedEvent is published when a run reaches its final outcome.
type ChainFinishedEvent struct {
	RunID     string
	Chain     string
	Outcome   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e ChainFinishedEvent) EventType() string { return EventTypeChainFinished }
func (e ChainFinishedEvent) TaskID() string    { return "" }
