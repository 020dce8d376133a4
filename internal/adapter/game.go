package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTargetExited is returned when the launched application exits while a task still needs it.
var ErrTargetExited = errors.New("target application exited")

// GameAdapter pairs a long-running target application with an automation script.
// Start launches the application, Execute runs the script against it and Stop
// closes the application when Config.CloseAfter is set. Without CloseAfter, Stop
// hands the application off so ProcessManager.KillAll leaves it running.
type GameAdapter struct {
	procMgr *ProcessManager
}

type gameSession struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // Wait result, valid once done is closed
}

// NewGameAdapter creates a game adapter. The ProcessManager is optional.
func NewGameAdapter(pm *ProcessManager) *GameAdapter {
	return &GameAdapter{procMgr: pm}
}

func (a *GameAdapter) Start(ctx context.Context, cfg Config) (Handle, error) {
	if err := lookPath(cfg.Command); err != nil {
		return Handle{}, err
	}

	// The application outlives the Start call, so it is not bound to ctx.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	isolateProcessGroup(cmd)
	prepareCommand(cmd, cfg, nil)

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("failed to launch %q: %w", cfg.Command, err)
	}
	if a.procMgr != nil {
		a.procMgr.Track(cmd)
	}

	sess := &gameSession{cmd: cmd, done: make(chan struct{})}
	go func() {
		sess.err = cmd.Wait()
		if a.procMgr != nil {
			a.procMgr.Untrack(cmd)
		}
		close(sess.done)
	}()

	if cfg.StartupDelay > 0 {
		timer := time.NewTimer(cfg.StartupDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-sess.done:
			return Handle{}, fmt.Errorf("%w during startup: %v", ErrTargetExited, sess.err)
		case <-ctx.Done():
			a.terminate(sess)
			return Handle{}, ctx.Err()
		}
	}

	return newHandle(cfg, sess), nil
}

func (a *GameAdapter) Execute(ctx context.Context, h Handle, params Params) (Outcome, error) {
	sess, ok := h.Value.(*gameSession)
	if !ok {
		return Outcome{}, fmt.Errorf("invalid game handle for %q", h.Ref)
	}

	select {
	case <-sess.done:
		return Outcome{}, ErrTargetExited
	default:
	}

	script, err := scriptPath(h.Config, params)
	if err != nil {
		return Outcome{}, err
	}

	var cmd *exec.Cmd
	if h.Config.Interpreter != "" {
		args := append(append([]string{}, h.Config.InterpreterArgs...), script)
		cmd = newCommand(ctx, h.Config.Interpreter, args...)
	} else {
		cmd = newCommand(ctx, script)
	}
	prepareCommand(cmd, h.Config, params)
	return runToOutcome(ctx, cmd, a.procMgr)
}

func (a *GameAdapter) Stop(ctx context.Context, h Handle) error {
	sess, ok := h.Value.(*gameSession)
	if !ok {
		return nil
	}
	if !h.Config.CloseAfter {
		if a.procMgr != nil {
			a.procMgr.Untrack(sess.cmd)
		}
		return nil
	}
	a.terminate(sess)

	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %q to exit: %w", h.Config.Command, ctx.Err())
	}
}

func (a *GameAdapter) terminate(sess *gameSession) {
	select {
	case <-sess.done:
		return
	default:
	}
	_ = killProcessGroup(sess.cmd)
}
