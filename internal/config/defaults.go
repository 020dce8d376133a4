package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/taskchain/internal/adapter"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".taskchain"

// DefaultSettings returns the built-in settings with the stock adapter references.
func DefaultSettings() *Settings {
	enabled := true
	return &Settings{
		Log: LogConfig{
			Level: "info",
		},
		Concurrency: 1,
		StopTimeout: 10 * time.Second,
		StopRetries: 2,
		CircuitBreaker: BreakerConfig{
			Enabled:  &enabled,
			Failures: 5,
			Cooldown: 30 * time.Second,
		},
		Adapters: map[string]adapter.Config{
			"python": {
				Type:        adapter.TypeScript,
				Interpreter: adapter.DefaultPythonInterpreter,
			},
			"autohotkey": {
				Type:        adapter.TypeHotkey,
				Interpreter: adapter.DefaultHotkeyInterpreter,
			},
		},
	}
}

// DefaultDatabasePath returns ~/.taskchain/history.db, or a relative fallback
// when the home directory is unknown.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DirName, "history.db")
	}
	return filepath.Join(home, DirName, "history.db")
}

// DatabasePath returns the configured history path or the default.
func (s *Settings) DatabasePath() string {
	if s.Database != "" {
		return s.Database
	}
	return DefaultDatabasePath()
}
