package scheduler

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TaskState is the lifecycle state of one task within a chain run.
type TaskState string

const (
	TaskPending   TaskState = "pending"   // Waiting for dependencies
	TaskReady     TaskState = "ready"     // All dependencies terminal, eligible for dispatch
	TaskRunning   TaskState = "running"   // Attempt in flight
	TaskCompleted TaskState = "completed" // Finished successfully
	TaskFailed    TaskState = "failed"    // Finished with error, no retries left
	TaskSkipped   TaskState = "skipped"   // Never executed (disabled, upstream failure, abort)
)

// IsTerminal reports whether no further transition can occur from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// TaskDescriptor is the immutable declaration of one task.
type TaskDescriptor struct {
	ID        string            // Unique identifier
	Name      string            // Human-readable name
	Adapter   string            // Adapter reference, resolved by the adapter registry
	Params    map[string]string // Parameters passed to Execute
	DependsOn []string          // Task IDs this task waits for
	Enabled   bool              // Disabled tasks are skipped but still satisfy dependents
	Timeout   time.Duration     // Per-call bound for start/execute/stop; 0 means none
	Resources []string          // Exclusive resources held while running (parallel mode only)
}

// DisplayName returns Name, falling back to ID.
func (t TaskDescriptor) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

func cloneDescriptor(t TaskDescriptor) TaskDescriptor {
	cp := t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Resources != nil {
		cp.Resources = append([]string(nil), t.Resources...)
	}
	if t.Params != nil {
		cp.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	return cp
}

// PolicyMode selects how a chain reacts to a task failure.
type PolicyMode string

const (
	PolicyContinue PolicyMode = "continue" // Fail the task, skip its dependents, keep going
	PolicyStop     PolicyMode = "stop"     // Fail the chain on the first task failure
	PolicyRetry    PolicyMode = "retry"    // Retry up to MaxAttempts, then behave like continue
)

// DefaultMaxBackoff caps the retry delay.
const DefaultMaxBackoff = 5 * time.Minute

// ChainPolicy is the chain-wide error-handling policy.
type ChainPolicy struct {
	Mode              PolicyMode
	MaxAttempts       int           // Retry only: total attempts including the first
	Backoff           time.Duration // Retry only: delay before the second attempt
	BackoffMultiplier float64       // Retry only: growth per attempt; <= 1 keeps the delay constant
	MaxBackoff        time.Duration // Retry only: upper bound for any single delay
}

// ContinuePolicy returns the default policy.
func ContinuePolicy() ChainPolicy { return ChainPolicy{Mode: PolicyContinue} }

// StopPolicy aborts the chain on the first failure.
func StopPolicy() ChainPolicy { return ChainPolicy{Mode: PolicyStop} }

// RetryPolicy retries each failing task up to maxAttempts with a constant delay.
func RetryPolicy(maxAttempts int, delay time.Duration) ChainPolicy {
	return ChainPolicy{Mode: PolicyRetry, MaxAttempts: maxAttempts, Backoff: delay}
}

// Validate checks the policy for internal consistency.
func (p ChainPolicy) Validate() error {
	switch p.Mode {
	case PolicyContinue, PolicyStop:
		return nil
	case PolicyRetry:
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry policy requires max attempts >= 1, got %d", p.MaxAttempts)
		}
		if p.Backoff < 0 {
			return fmt.Errorf("retry policy backoff must not be negative, got %s", p.Backoff)
		}
		return nil
	default:
		return fmt.Errorf("unknown policy mode %q", p.Mode)
	}
}

// Delay returns how long to wait before the attempt that follows attempt n (1-based).
// The schedule is exponential without jitter: Backoff * Multiplier^(n-1), capped at MaxBackoff.
func (p ChainPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt < 1 {
		return 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
