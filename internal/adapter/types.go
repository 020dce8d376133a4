package adapter

import (
	"time"
)

// Params are the resolved per-task parameters handed to Execute.
type Params map[string]string

// Config describes how an adapter reference is started.
// The same Config is shared by every task that references the adapter.
type Config struct {
	Type            string            `yaml:"type" json:"type" validate:"required"`                   // Family tag: "executable", "script", "hotkey", "game"
	Command         string            `yaml:"command,omitempty" json:"command,omitempty"`             // Binary to run (executable) or application to launch (game)
	Args            []string          `yaml:"args,omitempty" json:"args,omitempty"`                   // Arguments; "{{key}}" placeholders are replaced from Params
	WorkDir         string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`           // Working directory for spawned processes
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`                     // Extra environment
	Interpreter     string            `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`     // Script runner (python, AutoHotkey)
	InterpreterArgs []string          `yaml:"interpreter_args,omitempty" json:"interpreter_args,omitempty"`
	Script          string            `yaml:"script,omitempty" json:"script,omitempty"`               // Default script path; Params["script"] overrides
	StartupDelay    time.Duration     `yaml:"startup_delay,omitempty" json:"startup_delay,omitempty"` // Game: wait after launch before executing
	CloseAfter      bool              `yaml:"close_after,omitempty" json:"close_after,omitempty"`     // Game: terminate the application on Stop
}

// Handle identifies one started adapter session.
type Handle struct {
	Ref     string
	Session string
	Config  Config
	Started time.Time
	Value   any // Implementation-specific state
}

// Outcome is the successful result of Execute.
type Outcome struct {
	Output    string            `json:"output,omitempty"`
	ExitCode  int               `json:"exit_code"`
	Variables map[string]string `json:"variables,omitempty"` // Values published to the chain's shared variables
	Data      map[string]any    `json:"data,omitempty"`
}

// Operation names used in Error.
const (
	OpStart   = "start"
	OpExecute = "execute"
	OpStop    = "stop"
)
