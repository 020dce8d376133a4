package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/taskchain/internal/adapter"
	"github.com/aristath/taskchain/internal/config"
	"github.com/aristath/taskchain/internal/events"
	"github.com/aristath/taskchain/internal/logger"
	"github.com/aristath/taskchain/internal/metrics"
	"github.com/aristath/taskchain/internal/orchestrator"
	"github.com/aristath/taskchain/internal/persistence"
	"github.com/aristath/taskchain/internal/scheduler"
	"github.com/aristath/taskchain/internal/tui"
)

type runOptions struct {
	*globalOptions
	tui         bool
	json        bool
	noHistory   bool
	metricsAddr string
	concurrency int
	vars        map[string]string
}

// RunCmd executes a chain file.
func RunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "run <chain.yaml>",
		Short: "Execute a task chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChain(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.tui, "tui", false, "show the interactive progress view")
	flags.BoolVar(&opts.json, "json", false, "print the final report as JSON")
	flags.BoolVar(&opts.noHistory, "no-history", false, "do not record the run in the history database")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "max concurrent tasks (overrides chain and settings)")
	flags.StringToStringVar(&opts.vars, "var", nil, "set a chain variable (key=value, repeatable)")

	return cmd
}

func runChain(ctx context.Context, stdout, stderr io.Writer, path string, opts *runOptions) error {
	settings, err := opts.loadSettings()
	if err != nil {
		return err
	}

	logOut := stderr
	if opts.tui {
		f, err := logFile(settings)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	log := newLogger(settings, logOut)
	ctx = logger.ContextWithLogger(ctx, log)

	chain, err := config.LoadChain(path, settings, config.WithVariables(opts.vars))
	if err != nil {
		return err
	}
	graph, err := chain.Graph()
	if err != nil {
		return fmt.Errorf("invalid chain %s: %w", chain.Name, err)
	}

	pm := adapter.NewProcessManager()
	defer func() {
		// Anything still tracked here was orphaned by cancellation
		if err := pm.KillAll(); err != nil {
			log.Error("failed to kill subprocesses", "error", err)
		}
	}()

	var store persistence.Store
	if !opts.noHistory {
		s, err := persistence.NewSQLiteStore(ctx, settings.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer s.Close()
		store = s
	}

	bus := events.NewEventBus()
	defer bus.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	var pub events.Publisher = bus
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if addr := firstNonEmpty(opts.metricsAddr, settings.MetricsAddr); addr != "" {
		collector, err := metrics.New(nil)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		pub = events.Fanout{bus, collector}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(metricsCtx, addr, collector, log); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	runner, err := orchestrator.NewChainRunner(runnerConfig(chain, settings, opts, store, pub, log, pm), graph, chain.Policy)
	if err != nil {
		return err
	}

	var report scheduler.Report
	var runErr error
	switch {
	case opts.tui:
		report, runErr = runWithTUI(ctx, runner, bus, chain.Name, log)
	case opts.json:
		report, runErr = runner.Run(ctx)
	default:
		printed := printProgress(bus.SubscribeAll(1024), stdout)
		report, runErr = runner.Run(ctx)
		bus.Close()
		<-printed
	}

	if n := bus.Dropped(); n > 0 {
		log.Warn("event subscribers fell behind", "dropped", n)
	}

	if opts.json {
		if err := writeJSON(stdout, report); err != nil {
			return err
		}
	} else {
		printSummary(stdout, report)
	}

	if runErr != nil {
		return runErr
	}
	if !report.Succeeded() {
		return &outcomeError{chain: chain.Name, outcome: string(report.Outcome)}
	}
	return nil
}

func runnerConfig(chain *config.Chain, settings *config.Settings, opts *runOptions, store persistence.Store, pub events.Publisher, log logger.Logger, pm *adapter.ProcessManager) orchestrator.RunnerConfig {
	concurrency := settings.Concurrency
	if chain.Concurrency > 0 {
		concurrency = chain.Concurrency
	}
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}

	stopRetry := orchestrator.DefaultRetryConfig()
	stopRetry.MaxRetries = settings.StopRetries

	var breakers *orchestrator.CircuitBreakerRegistry
	if settings.CircuitBreaker.IsEnabled() {
		breakers = orchestrator.NewCircuitBreakerRegistry(orchestrator.BreakerConfig{
			Failures: settings.CircuitBreaker.Failures,
			Cooldown: settings.CircuitBreaker.Cooldown,
		}, log)
	}

	return orchestrator.RunnerConfig{
		ChainName:   chain.Name,
		Registry:    chain.Registry(pm),
		Concurrency: concurrency,
		StopTimeout: settings.StopTimeout,
		StopRetry:   stopRetry,
		Breakers:    breakers,
		Events:      pub,
		Store:       store,
		Logger:      log,
		Variables:   chain.Variables,
	}
}

// runWithTUI runs the chain while the TUI renders bus events. Quitting the TUI
// cancels the chain; after the chain ends the TUI stays up until the user quits.
func runWithTUI(ctx context.Context, runner *orchestrator.ChainRunner, bus *events.EventBus, chain string, log logger.Logger) (scheduler.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(bus, chain), tea.WithAltScreen())

	tuiDone := make(chan error, 1)
	go func() {
		_, err := p.Run()
		cancel()
		tuiDone <- err
	}()

	report, runErr := runner.Run(runCtx)

	if ctx.Err() == nil {
		if err := <-tuiDone; err != nil {
			log.Error("TUI exited with error", "error", err)
		}
		return report, runErr
	}

	log.Info("shutdown signal received, closing TUI")
	p.Quit()
	select {
	case err := <-tuiDone:
		if err != nil {
			log.Error("TUI exited with error", "error", err)
		}
	case <-time.After(10 * time.Second):
		log.Warn("TUI did not exit in time")
	}
	return report, runErr
}

// printProgress writes one line per task lifecycle event until sub is closed.
func printProgress(sub <-chan events.Event, w io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub {
			switch ev := e.(type) {
			case events.TaskStartedEvent:
				fmt.Fprintf(w, "▶ %s (attempt %d)\n", ev.ID, ev.Attempt)
			case events.TaskCompletedEvent:
				fmt.Fprintf(w, "✓ %s %v\n", ev.ID, ev.Duration.Round(time.Millisecond))
			case events.TaskFailedEvent:
				fmt.Fprintf(w, "✗ %s %s: %v (%s)\n", ev.ID, ev.Kind, ev.Err, ev.Decision)
			case events.TaskRetryingEvent:
				fmt.Fprintf(w, "↻ %s retrying in %v\n", ev.ID, ev.Delay)
			case events.TaskSkippedEvent:
				fmt.Fprintf(w, "- %s skipped (%s)\n", ev.ID, ev.Reason)
			}
		}
	}()
	return done
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
