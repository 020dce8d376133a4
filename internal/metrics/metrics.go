// Package metrics exposes chain and task lifecycle events as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/taskchain/internal/events"
	"github.com/aristath/taskchain/internal/logger"
)

// Collector turns lifecycle events into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	chainRuns     *prometheus.CounterVec
	chainDuration *prometheus.HistogramVec
	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskFailures  *prometheus.CounterVec
	taskRetries   prometheus.Counter
	taskSkipped   *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
}

// New creates a Collector registered on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		chainRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "taskchain_chain_runs_total", Help: "Chain runs by final outcome."},
			[]string{"chain", "outcome"},
		),
		chainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "taskchain_chain_run_duration_seconds", Help: "Duration of chain runs in seconds.", Buckets: prometheus.ExponentialBuckets(1, 2, 14)},
			[]string{"chain"},
		),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "taskchain_task_attempts_total", Help: "Task attempts by adapter and result."},
			[]string{"adapter", "result"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "taskchain_task_attempt_duration_seconds", Help: "Duration of task attempts in seconds.", Buckets: prometheus.DefBuckets},
			[]string{"adapter"},
		),
		taskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "taskchain_task_failures_total", Help: "Failed task attempts by adapter and failure kind."},
			[]string{"adapter", "kind"},
		),
		taskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "taskchain_task_retries_total", Help: "Retries scheduled by the retry policy."},
		),
		taskSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "taskchain_tasks_skipped_total", Help: "Skipped tasks by reason."},
			[]string{"reason"},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "taskchain_tasks_running", Help: "Task attempts currently in flight."},
		),
	}

	for _, col := range []prometheus.Collector{
		c.chainRuns, c.chainDuration, c.taskRuns, c.taskDuration,
		c.taskFailures, c.taskRetries, c.taskSkipped, c.tasksRunning,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe updates metrics for one event.
func (c *Collector) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.TaskStartedEvent:
		c.tasksRunning.Inc()
	case events.TaskCompletedEvent:
		c.tasksRunning.Dec()
		c.taskRuns.WithLabelValues(ev.Adapter, "completed").Inc()
		c.taskDuration.WithLabelValues(ev.Adapter).Observe(ev.Duration.Seconds())
	case events.TaskFailedEvent:
		c.tasksRunning.Dec()
		c.taskRuns.WithLabelValues(ev.Adapter, "failed").Inc()
		c.taskDuration.WithLabelValues(ev.Adapter).Observe(ev.Duration.Seconds())
		c.taskFailures.WithLabelValues(ev.Adapter, ev.Kind).Inc()
	case events.TaskRetryingEvent:
		c.taskRetries.Inc()
	case events.TaskSkippedEvent:
		c.taskSkipped.WithLabelValues(ev.Reason).Inc()
	case events.ChainFinishedEvent:
		c.chainRuns.WithLabelValues(ev.Chain, ev.Outcome).Inc()
		c.chainDuration.WithLabelValues(ev.Chain).Observe(ev.Duration.Seconds())
	}
}

// Publish observes events synchronously, so the collector can sit next to the
// bus in an events.Fanout and never miss an event.
func (c *Collector) Publish(_ string, e events.Event) {
	c.Observe(e)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, c *Collector, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
