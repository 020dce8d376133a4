package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Adapter family tags.
const (
	TypeExecutable = "executable"
	TypeScript     = "script"
	TypeHotkey     = "hotkey"
	TypeGame       = "game"
)

// ExecutableAdapter runs a configured binary once per Execute.
// Start only verifies the binary is runnable; Stop is a no-op.
type ExecutableAdapter struct {
	procMgr *ProcessManager
}

// NewExecutableAdapter creates an executable adapter. The ProcessManager is optional.
func NewExecutableAdapter(pm *ProcessManager) *ExecutableAdapter {
	return &ExecutableAdapter{procMgr: pm}
}

func (a *ExecutableAdapter) Start(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := lookPath(cfg.Command); err != nil {
		return Handle{}, err
	}
	return newHandle(cfg, nil), nil
}

func (a *ExecutableAdapter) Execute(ctx context.Context, h Handle, params Params) (Outcome, error) {
	cmd := newCommand(ctx, h.Config.Command, expandArgs(h.Config.Args, params)...)
	prepareCommand(cmd, h.Config, params)
	return runToOutcome(ctx, cmd, a.procMgr)
}

func (a *ExecutableAdapter) Stop(ctx context.Context, h Handle) error {
	return nil
}

func newHandle(cfg Config, value any) Handle {
	return Handle{
		Session: uuid.NewString(),
		Config:  cfg,
		Started: time.Now(),
		Value:   value,
	}
}

// scriptPath picks the script from params, falling back to the adapter config.
func scriptPath(cfg Config, params Params) (string, error) {
	if s := params["script"]; s != "" {
		return s, nil
	}
	if cfg.Script != "" {
		return cfg.Script, nil
	}
	return "", fmt.Errorf("no script configured (set adapter script or task param %q)", "script")
}
