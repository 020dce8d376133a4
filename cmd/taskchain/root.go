package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/taskchain/internal/config"
	"github.com/aristath/taskchain/internal/logger"
)

// globalOptions are flags shared by every command.
type globalOptions struct {
	configPath string // Project settings file; empty uses .taskchain/config.yaml
	dbPath     string
	logLevel   string
	logJSON    bool
}

// RootCmd builds the taskchain command tree.
func RootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "taskchain",
		Short:         "Run dependency-ordered chains of automation tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "project settings file (default .taskchain/config.yaml)")
	flags.StringVar(&opts.dbPath, "db", "", "run history database (default ~/.taskchain/history.db)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error, disabled")
	flags.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(
		RunCmd(opts),
		ValidateCmd(opts),
		HistoryCmd(opts),
		ShowCmd(opts),
		DeleteCmd(opts),
		ConfigCmd(opts),
	)

	return root
}

// loadSettings layers the global and project settings files and applies flag overrides.
func (o *globalOptions) loadSettings() (*config.Settings, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	projectPath := o.configPath
	if projectPath == "" {
		projectPath = config.ProjectPath()
	}

	settings, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if o.dbPath != "" {
		settings.Database = o.dbPath
	}
	if o.logLevel != "" {
		settings.Log.Level = o.logLevel
	}
	if o.logJSON {
		settings.Log.JSON = true
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func newLogger(settings *config.Settings, out io.Writer) logger.Logger {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.LogLevel(settings.Log.Level)
	cfg.JSON = settings.Log.JSON
	cfg.Output = out
	return logger.NewLogger(cfg)
}

// outcomeError reports a chain that did not complete cleanly.
type outcomeError struct {
	chain   string
	outcome string
}

func (e *outcomeError) Error() string {
	return fmt.Sprintf("chain %s finished %s", e.chain, e.outcome)
}

// exitCode maps an error to the process exit status: 2 for an unsuccessful
// chain outcome, 1 for everything else.
func exitCode(err error) int {
	var oe *outcomeError
	if errors.As(err, &oe) {
		return 2
	}
	return 1
}

// logFile opens the log file used while the TUI owns the terminal.
func logFile(settings *config.Settings) (*os.File, error) {
	path := settings.DatabasePath() + ".log"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
