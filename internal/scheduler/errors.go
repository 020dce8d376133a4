package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for chain construction and execution bookkeeping.
var (
	ErrInvalidGraph    = errors.New("invalid task graph")
	ErrCycle           = errors.New("cyclic task dependency")
	ErrInvalidTask     = errors.New("invalid task descriptor")
	ErrTaskNotFound    = errors.New("task not found")
	ErrAttemptInFlight = errors.New("task attempt already in flight")
	ErrInvalidState    = errors.New("invalid task state transition")
)

// CyclicDependencyError reports a dependency cycle among enabled tasks.
// Cycle lists the members in traversal order and repeats the first id at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() []error { return []error{ErrCycle, ErrInvalidGraph} }

// Members returns the distinct task ids on the cycle.
func (e *CyclicDependencyError) Members() []string {
	if len(e.Cycle) <= 1 {
		return append([]string(nil), e.Cycle...)
	}
	return append([]string(nil), e.Cycle[:len(e.Cycle)-1]...)
}

// UnknownDependencyError reports a depends_on entry naming no declared task.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.Dependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrInvalidGraph }

// DuplicateTaskIDError reports two descriptors sharing an id.
type DuplicateTaskIDError struct {
	TaskID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.TaskID)
}

func (e *DuplicateTaskIDError) Unwrap() error { return ErrInvalidGraph }
