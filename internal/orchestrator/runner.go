package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskchain/internal/adapter"
	"github.com/aristath/taskchain/internal/config"
	"github.com/aristath/taskchain/internal/events"
	"github.com/aristath/taskchain/internal/logger"
	"github.com/aristath/taskchain/internal/persistence"
	"github.com/aristath/taskchain/internal/scheduler"
)

// ErrStalled is returned by Run when unfinished tasks remain but none can become ready.
var ErrStalled = errors.New("chain stalled: unfinished tasks can never become ready")

// DefaultStopTimeout bounds the Stop call issued for a task interrupted by cancellation.
const DefaultStopTimeout = 10 * time.Second

// RunnerConfig configures the chain runner.
type RunnerConfig struct {
	ChainName   string
	Registry    *adapter.Registry       // Resolves task adapter references (required)
	Concurrency int                     // Max concurrent tasks; <= 1 dispatches serially
	StopTimeout time.Duration           // Bound for Stop after cancellation (default 10s)
	StopRetry   RetryConfig             // Backoff for failing Stop calls; zero value calls Stop once
	Breakers    *CircuitBreakerRegistry // Optional per-adapter-type breakers (nil disables)
	Events      events.Publisher        // Optional lifecycle event sink
	Store       persistence.Store       // Optional; receives a checkpoint after every wave and the final report
	Logger      logger.Logger           // Defaults to a no-op logger
	Variables   map[string]string       // Initial shared variables
}

// ChainRunner executes a validated task graph under one chain policy.
type ChainRunner struct {
	cfg      RunnerConfig
	graph    *scheduler.Graph
	policy   scheduler.ChainPolicy
	gateways map[string]*Gateway // taskID -> gateway
	locks    *scheduler.ResourceLockManager
	log      logger.Logger

	mu      sync.RWMutex
	current *scheduler.ExecutionContext
}

type taskResult struct {
	taskID   string
	decision scheduler.Decision
	failure  *scheduler.Failure
}

// NewChainRunner resolves every enabled task's adapter and returns a runner.
// Unresolvable adapter references fail here, before anything runs.
func NewChainRunner(cfg RunnerConfig, graph *scheduler.Graph, policy scheduler.ChainPolicy) (*ChainRunner, error) {
	if graph == nil {
		return nil, fmt.Errorf("chain runner requires a task graph: %w", scheduler.ErrInvalidGraph)
	}
	if cfg.Registry == nil {
		return nil, errors.New("chain runner requires an adapter registry")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain policy: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	gateways := make(map[string]*Gateway)
	byRef := make(map[string]*Gateway)
	for _, task := range graph.Tasks() {
		if !task.Enabled {
			continue
		}
		gw, ok := byRef[task.Adapter]
		if !ok {
			binding, err := cfg.Registry.Resolve(task.Adapter)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", task.ID, err)
			}
			var cb *gobreaker.TwoStepCircuitBreaker
			if cfg.Breakers != nil {
				cb = cfg.Breakers.Get(binding.Type)
			}
			gw = NewGateway(binding, cb)
			byRef[task.Adapter] = gw
		}
		gateways[task.ID] = gw
	}

	return &ChainRunner{
		cfg:      cfg,
		graph:    graph,
		policy:   policy,
		gateways: gateways,
		locks:    scheduler.NewResourceLockManager(),
		log:      cfg.Logger,
	}, nil
}

// Context returns the execution context of the current or most recent run, nil before Run.
func (r *ChainRunner) Context() *scheduler.ExecutionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run executes the chain until every task is terminal, the policy aborts, or ctx is cancelled.
// Cancellation is not an error: the report's outcome is aborted. ErrStalled is returned
// together with the report if dispatch can make no progress.
func (r *ChainRunner) Run(ctx context.Context) (scheduler.Report, error) {
	ec := scheduler.NewExecutionContext(r.cfg.ChainName, r.graph, r.cfg.Variables)
	r.mu.Lock()
	r.current = ec
	r.mu.Unlock()

	log := r.log.With("run", ec.RunID(), "chain", r.cfg.ChainName)

	ec.Start()
	r.publish(events.TopicChain, events.ChainStartedEvent{
		RunID:     ec.RunID(),
		Chain:     r.cfg.ChainName,
		Total:     r.graph.Len(),
		Timestamp: time.Now(),
	})
	log.Info("chain started", "tasks", r.graph.Len(), "policy", string(r.policy.Mode), "concurrency", r.cfg.Concurrency)

	for _, task := range r.graph.Tasks() {
		if !task.Enabled {
			r.skip(ec, task.ID, scheduler.SkipDisabled)
		}
	}

	state, err := r.loop(ctx, ec, log)
	ec.Finish(state)
	r.publishProgress(ec)

	report := scheduler.Collect(ec)
	r.checkpoint(ctx, report)
	r.publish(events.TopicChain, events.ChainFinishedEvent{
		RunID:     ec.RunID(),
		Chain:     r.cfg.ChainName,
		Outcome:   string(report.Outcome),
		Duration:  report.Duration,
		Timestamp: time.Now(),
	})
	log.Info("chain finished",
		"outcome", string(report.Outcome),
		"completed", report.Counts.Completed,
		"failed", report.Counts.Failed,
		"skipped", report.Counts.Skipped,
		"duration", report.Duration,
	)
	return report, err
}

func (r *ChainRunner) loop(ctx context.Context, ec *scheduler.ExecutionContext, log logger.Logger) (scheduler.ChainState, error) {
	var hadFailures, exhausted bool

	for {
		if ctx.Err() != nil {
			log.Warn("chain cancelled", "unfinished", len(ec.Unfinished()))
			r.skipUnfinished(ec, scheduler.SkipCancelled)
			return scheduler.ChainAborted, nil
		}

		if len(ec.Unfinished()) == 0 {
			break
		}

		ready := ec.Ready()
		if len(ready) == 0 {
			log.Error("chain stalled", "unfinished", strings.Join(ec.Unfinished(), ","))
			r.skipUnfinished(ec, scheduler.SkipStalled)
			return scheduler.ChainFailed, ErrStalled
		}
		if r.cfg.Concurrency <= 1 {
			ready = ready[:1]
		}

		for _, res := range r.dispatch(ctx, ec, ready) {
			if res.failure == nil {
				continue
			}
			hadFailures = true

			switch res.decision {
			case scheduler.AbortChain:
				if res.failure.Kind == scheduler.FailureCancelled || ctx.Err() != nil {
					r.skipUnfinished(ec, scheduler.SkipCancelled)
					return scheduler.ChainAborted, nil
				}
				log.Warn("chain stopped by failure", "task", res.taskID)
				r.skipUnfinished(ec, scheduler.SkipChainStopped)
				return scheduler.ChainFailed, nil
			case scheduler.SkipAndContinue:
				if r.policy.Mode == scheduler.PolicyRetry {
					exhausted = true
				}
				for _, id := range r.graph.Descendants(res.taskID) {
					if !ec.TaskState(id).IsTerminal() {
						r.skip(ec, id, scheduler.SkipDependencyFailed)
					}
				}
			}
		}
		r.publishProgress(ec)
		r.checkpoint(ctx, scheduler.Collect(ec))
	}

	switch {
	case exhausted:
		return scheduler.ChainFailed, nil
	case hadFailures:
		return scheduler.ChainCompletedWithFailures, nil
	default:
		return scheduler.ChainCompleted, nil
	}
}

// dispatch runs one wave of ready tasks and returns their results in input order.
func (r *ChainRunner) dispatch(ctx context.Context, ec *scheduler.ExecutionContext, ids []string) []taskResult {
	results := make([]taskResult, len(ids))
	if len(ids) == 1 {
		results[0] = r.runTask(ctx, ec, ids[0])
		return results
	}

	// Once a task aborts the chain, queued tasks of the wave stay pending
	// so the caller skips them.
	var halted atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		if halted.Load() {
			break
		}
		g.Go(func() error {
			task, _ := r.graph.Task(id)
			r.locks.LockAll(task.Resources)
			defer r.locks.UnlockAll(task.Resources)

			if halted.Load() {
				return nil
			}
			res := r.runTask(gctx, ec, id)
			if res.failure != nil && res.decision == scheduler.AbortChain {
				halted.Store(true)
			}
			results[i] = res
			return nil // Failures are handled by the policy, not the errgroup
		})
	}
	_ = g.Wait()
	return results
}

// runTask drives one task through as many attempts as the policy allows.
func (r *ChainRunner) runTask(ctx context.Context, ec *scheduler.ExecutionContext, id string) taskResult {
	task, _ := r.graph.Task(id)
	gw := r.gateways[id]
	log := r.log.With("run", ec.RunID(), "task", id, "adapter", task.Adapter)

	if ec.TaskState(id) == scheduler.TaskPending {
		_ = ec.MarkReady(id)
	}

	for {
		done, err := gw.Admit(ctx, func(err error, _ time.Duration) {
			log.Debug("adapter breaker refused attempt, waiting", "reason", err)
		})
		if err != nil {
			return taskResult{
				taskID:   id,
				decision: scheduler.AbortChain,
				failure:  &scheduler.Failure{Kind: scheduler.FailureCancelled, Message: err.Error(), Err: err},
			}
		}

		attempt, err := ec.BeginAttempt(id)
		if err != nil {
			done(true)
			log.Error("failed to begin attempt", "error", err)
			return taskResult{
				taskID:   id,
				decision: scheduler.AbortChain,
				failure:  &scheduler.Failure{Kind: scheduler.FailureStart, Message: err.Error(), Err: err},
			}
		}

		r.publish(events.TopicTask, events.TaskStartedEvent{
			ID:        id,
			Name:      task.DisplayName(),
			Adapter:   task.Adapter,
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
		log.Info("task started", "attempt", attempt)

		started := time.Now()
		outcome, failure := r.attempt(ctx, gw, task, r.resolveParams(task, ec), done)
		elapsed := time.Since(started)
		r.publishOutput(id, outcome.Output)

		if failure == nil {
			if err := ec.CompleteAttempt(id, outcome); err != nil {
				log.Error("failed to record completion", "error", err)
			}
			ec.MergeVariables(outcome.Variables)
			r.publish(events.TopicTask, events.TaskCompletedEvent{
				ID:        id,
				Adapter:   task.Adapter,
				Attempt:   attempt,
				ExitCode:  outcome.ExitCode,
				Duration:  elapsed,
				Timestamp: time.Now(),
			})
			log.Info("task completed", "attempt", attempt, "duration", elapsed)
			return taskResult{taskID: id}
		}

		if ctx.Err() != nil && failure.Kind != scheduler.FailurePanic {
			failure.Kind = scheduler.FailureCancelled
		}
		decision := scheduler.HandleFailure(r.policy, task, *failure, attempt)
		if err := ec.FailAttempt(id, outcome, *failure, decision == scheduler.Retry); err != nil {
			log.Error("failed to record failure", "error", err)
		}
		r.publish(events.TopicTask, events.TaskFailedEvent{
			ID:        id,
			Adapter:   task.Adapter,
			Attempt:   attempt,
			Kind:      string(failure.Kind),
			Decision:  decision.String(),
			Err:       failure,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
		log.Warn("task attempt failed",
			"attempt", attempt,
			"kind", string(failure.Kind),
			"decision", decision.String(),
			"error", failure.Message,
		)

		if decision != scheduler.Retry {
			return taskResult{taskID: id, decision: decision, failure: failure}
		}

		delay := r.policy.Delay(attempt)
		r.publish(events.TopicTask, events.TaskRetryingEvent{
			ID:          id,
			NextAttempt: attempt + 1,
			Delay:       delay,
			Timestamp:   time.Now(),
		})
		log.Info("retrying task", "next_attempt", attempt+1, "delay", delay)

		if err := sleepContext(ctx, delay); err != nil {
			return taskResult{
				taskID:   id,
				decision: scheduler.AbortChain,
				failure:  &scheduler.Failure{Kind: scheduler.FailureCancelled, Message: err.Error(), Err: err},
			}
		}
	}
}

// attempt performs Start, Execute and Stop once. Stop always follows a successful Start,
// and a panic anywhere in the adapter becomes a failure. record receives the
// attempt's health exactly once; cancellation never counts against the adapter.
func (r *ChainRunner) attempt(ctx context.Context, gw *Gateway, task scheduler.TaskDescriptor, params adapter.Params, record func(healthy bool)) (out adapter.Outcome, failure *scheduler.Failure) {
	defer func() {
		record(failure == nil || ctx.Err() != nil)
	}()
	defer func() {
		if p := recover(); p != nil {
			failure = &scheduler.Failure{Kind: scheduler.FailurePanic, Message: fmt.Sprintf("adapter panicked: %v", p)}
		}
	}()

	startCtx, cancelStart := withTimeout(ctx, task.Timeout)
	h, err := gw.Start(startCtx)
	cancelStart()
	if err != nil {
		return adapter.Outcome{}, classify(err, adapter.OpStart)
	}

	defer func() {
		if err := r.stop(ctx, gw, h, task); err != nil && failure == nil {
			failure = classify(err, adapter.OpStop)
		}
	}()

	execCtx, cancelExec := withTimeout(ctx, task.Timeout)
	defer cancelExec()

	out, err = gw.Execute(execCtx, h, params)
	if err != nil {
		return out, classify(err, adapter.OpExecute)
	}
	return out, nil
}

// stop releases the handle. After cancellation it runs on a detached context
// bounded by StopTimeout so the target is still cleaned up.
func (r *ChainRunner) stop(ctx context.Context, gw *Gateway, h adapter.Handle, task scheduler.TaskDescriptor) error {
	var (
		stopCtx context.Context
		cancel  context.CancelFunc
	)
	if ctx.Err() != nil {
		stopCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StopTimeout)
	} else {
		stopCtx, cancel = withTimeout(ctx, task.Timeout)
	}
	defer cancel()
	return stopWithRetry(stopCtx, gw, h, r.cfg.StopRetry)
}

func (r *ChainRunner) resolveParams(task scheduler.TaskDescriptor, ec *scheduler.ExecutionContext) adapter.Params {
	vars := ec.Variables()
	params := make(adapter.Params, len(task.Params))
	for k, v := range task.Params {
		params[k] = config.ExpandVariables(v, vars)
	}
	return params
}

func (r *ChainRunner) skip(ec *scheduler.ExecutionContext, id string, reason scheduler.SkipReason) {
	if err := ec.Skip(id, reason); err != nil {
		r.log.Error("failed to skip task", "task", id, "error", err)
		return
	}
	r.publish(events.TopicTask, events.TaskSkippedEvent{ID: id, Reason: string(reason), Timestamp: time.Now()})
	r.log.Debug("task skipped", "task", id, "reason", string(reason))
}

func (r *ChainRunner) skipUnfinished(ec *scheduler.ExecutionContext, reason scheduler.SkipReason) {
	for _, id := range ec.Unfinished() {
		r.skip(ec, id, reason)
	}
}

// checkpoint persists a report snapshot. It runs even after cancellation so an
// aborted run is still recorded; failures are logged, never fatal.
func (r *ChainRunner) checkpoint(ctx context.Context, report scheduler.Report) {
	if r.cfg.Store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.cfg.Store.SaveRun(saveCtx, report); err != nil {
		r.log.Error("failed to checkpoint run", "run", report.RunID, "error", err)
	}
}

func (r *ChainRunner) publish(topic string, event events.Event) {
	if r.cfg.Events != nil {
		r.cfg.Events.Publish(topic, event)
	}
}

func (r *ChainRunner) publishOutput(id, output string) {
	if r.cfg.Events == nil || output == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		r.publish(events.TopicTask, events.TaskOutputEvent{ID: id, Line: line, Timestamp: time.Now()})
	}
}

func (r *ChainRunner) publishProgress(ec *scheduler.ExecutionContext) {
	if r.cfg.Events == nil {
		return
	}
	ev := events.ChainProgressEvent{RunID: ec.RunID(), Total: r.graph.Len(), Timestamp: time.Now()}
	for _, state := range ec.States() {
		switch state {
		case scheduler.TaskCompleted:
			ev.Completed++
		case scheduler.TaskFailed:
			ev.Failed++
		case scheduler.TaskSkipped:
			ev.Skipped++
		case scheduler.TaskRunning:
			ev.Running++
		default:
			ev.Pending++
		}
	}
	r.publish(events.TopicChain, ev)
}

// classify maps an adapter error to a failure kind. Context errors take
// precedence over the phase.
func classify(err error, op string) *scheduler.Failure {
	kind := scheduler.FailureKind(op)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = scheduler.FailureTimeout
	case errors.Is(err, context.Canceled):
		kind = scheduler.FailureCancelled
	}
	return &scheduler.Failure{Kind: kind, Message: err.Error(), Phase: op, Err: err}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
