package action

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/lobbywatch/internal/config"
)

var ErrUnknownAction = errors.New("unknown action type")

type Kind string

const (
	KindLog   Kind = "log"
	KindDelay Kind = "delay"
	KindExec  Kind = "exec"
)

const defaultExecTimeout = 10 * time.Second

// Action is one side effect a handler runs after its registry mutation.
// Only the fields relevant to Kind are set.
type Action struct {
	Kind    Kind
	Message string
	Delay   time.Duration
	Command []string
	Timeout time.Duration
}

func Log(message string) Action {
	return Action{Kind: KindLog, Message: message}
}

func Delay(d time.Duration) Action {
	return Action{Kind: KindDelay, Delay: d}
}

func Exec(command ...string) Action {
	return Action{Kind: KindExec, Command: command, Timeout: defaultExecTimeout}
}

func FromDescriptor(d config.ActionDescriptor) (Action, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(d.Type))) {
	case KindLog:
		if strings.TrimSpace(d.Message) == "" {
			return Action{}, fmt.Errorf("log action: message is required")
		}
		return Log(d.Message), nil
	case KindDelay:
		if d.Delay <= 0 {
			return Action{}, fmt.Errorf("delay action: delay must be positive")
		}
		return Delay(d.Delay), nil
	case KindExec:
		if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
			return Action{}, fmt.Errorf("exec action: command is required")
		}
		a := Exec(d.Command...)
		if d.Timeout > 0 {
			a.Timeout = d.Timeout
		}
		return a, nil
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, d.Type)
	}
}

// FromDescriptors converts every valid descriptor and returns the errors of
// the rejected ones alongside.
func FromDescriptors(ds []config.ActionDescriptor) ([]Action, []error) {
	out := make([]Action, 0, len(ds))
	var errs []error
	for i, d := range ds {
		a, err := FromDescriptor(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("action %d: %w", i, err))
			continue
		}
		out = append(out, a)
	}
	return out, errs
}

// Expand substitutes {field} placeholders with values from fields.
func Expand(template string, fields map[string]string) string {
	if len(fields) == 0 || !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
