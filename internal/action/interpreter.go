package action

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Interpreter executes actions one at a time.
type Interpreter struct {
	runner Runner
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewInterpreter(logger *slog.Logger) *Interpreter {
	return NewInterpreterWithRunner(logger, OSRunner{})
}

func NewInterpreterWithRunner(logger *slog.Logger, runner Runner) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = OSRunner{}
	}
	return &Interpreter{runner: runner, logger: logger, sleep: sleepContext}
}

func (in *Interpreter) Run(ctx context.Context, a Action, fields map[string]string) error {
	switch a.Kind {
	case KindLog:
		in.logger.Info(Expand(a.Message, fields), "action", string(KindLog))
		return nil
	case KindDelay:
		return in.sleep(ctx, a.Delay)
	case KindExec:
		if len(a.Command) == 0 {
			return fmt.Errorf("empty command")
		}
		args := make([]string, len(a.Command))
		for i, arg := range a.Command {
			args[i] = Expand(arg, fields)
		}
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = defaultExecTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := in.runner.Run(runCtx, args[0], args[1:]...)
		if err != nil {
			return fmt.Errorf("exec %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
	}
}

// RunAll runs actions in order. A failing or panicking action is logged and
// the remaining ones still run.
func (in *Interpreter) RunAll(ctx context.Context, actions []Action, fields map[string]string) int {
	failed := 0
	for i, a := range actions {
		if err := in.runOne(ctx, a, fields); err != nil {
			failed++
			in.logger.Warn("action failed", "index", i, "kind", string(a.Kind), "error", err)
		}
	}
	return failed
}

func (in *Interpreter) runOne(ctx context.Context, a Action, fields map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return in.Run(ctx, a, fields)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
