package config

import (
	"time"

	"github.com/aristath/taskchain/internal/adapter"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error disabled"`
	JSON  bool   `yaml:"json,omitempty"`
}

// BreakerConfig controls the per-adapter-type circuit breakers.
type BreakerConfig struct {
	Enabled  *bool         `yaml:"enabled,omitempty"`  // Pointer so a project file can switch breakers off
	Failures uint32        `yaml:"failures,omitempty"` // Consecutive failures before opening
	Cooldown time.Duration `yaml:"cooldown,omitempty" validate:"gte=0"`
}

// IsEnabled reports whether breakers are on; unset means on.
func (b BreakerConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Settings is the process-wide configuration shared by every chain.
type Settings struct {
	Log            LogConfig                 `yaml:"log,omitempty"`
	Database       string                    `yaml:"database,omitempty"`    // SQLite history path; empty uses DefaultDatabasePath
	Concurrency    int                       `yaml:"concurrency,omitempty" validate:"gte=0"`
	StopTimeout    time.Duration             `yaml:"stop_timeout,omitempty" validate:"gte=0"`
	StopRetries    uint64                    `yaml:"stop_retries,omitempty"` // Extra Stop calls after a failed Stop
	MetricsAddr    string                    `yaml:"metrics_addr,omitempty"` // Prometheus listen address; empty disables
	CircuitBreaker BreakerConfig             `yaml:"circuit_breaker,omitempty"`
	Adapters       map[string]adapter.Config `yaml:"adapters,omitempty" validate:"dive"` // Adapter references available to every chain
}
