package adapter

import (
	"context"
)

// Default interpreters for the script families.
const (
	DefaultPythonInterpreter = "python"
	DefaultHotkeyInterpreter = "AutoHotkey"
)

// ScriptAdapter runs a script through an interpreter: python for the "script"
// family, AutoHotkey for "hotkey". Config.Interpreter overrides the default.
type ScriptAdapter struct {
	defaultInterpreter string
	procMgr            *ProcessManager
}

// NewScriptAdapter creates a script adapter with the given default interpreter.
func NewScriptAdapter(defaultInterpreter string, pm *ProcessManager) *ScriptAdapter {
	return &ScriptAdapter{defaultInterpreter: defaultInterpreter, procMgr: pm}
}

func (a *ScriptAdapter) interpreter(cfg Config) string {
	if cfg.Interpreter != "" {
		return cfg.Interpreter
	}
	return a.defaultInterpreter
}

func (a *ScriptAdapter) Start(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := lookPath(a.interpreter(cfg)); err != nil {
		return Handle{}, err
	}
	return newHandle(cfg, nil), nil
}

func (a *ScriptAdapter) Execute(ctx context.Context, h Handle, params Params) (Outcome, error) {
	script, err := scriptPath(h.Config, params)
	if err != nil {
		return Outcome{}, err
	}

	args := append([]string{}, h.Config.InterpreterArgs...)
	args = append(args, script)
	args = append(args, expandArgs(h.Config.Args, params)...)

	cmd := newCommand(ctx, a.interpreter(h.Config), args...)
	prepareCommand(cmd, h.Config, params)
	return runToOutcome(ctx, cmd, a.procMgr)
}

func (a *ScriptAdapter) Stop(ctx context.Context, h Handle) error {
	return nil
}
