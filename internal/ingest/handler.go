package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/g960059/lobbywatch/internal/action"
	"github.com/g960059/lobbywatch/internal/metrics"
	"github.com/g960059/lobbywatch/internal/registry"
)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Registry *registry.Registry
	Actions  *action.Interpreter
	Assets   AssetRequester
	Console  *Console
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// LineHandler matches one kind of line and applies it to the registry.
type LineHandler struct {
	Kind      Kind
	Enabled   bool
	LogOutput bool
	Style     Color
	Actions   []action.Action

	matcher *Matcher
	apply   func(d *Deps, f Fields) (string, error)
	deps    *Deps
}

func (h *LineHandler) Name() string {
	return string(h.Kind)
}

// Handle reports whether line was consumed. A matched line is consumed even
// when its mutation finds no player, or panics; a matched line with missing
// or unparseable fields is not.
func (h *LineHandler) Handle(ctx context.Context, line string) bool {
	if !h.Enabled {
		return false
	}
	fields, ok := h.matcher.Match(line)
	if !ok {
		return false
	}
	summary, err := h.mutate(fields)
	if err != nil {
		reason := "error"
		if errors.Is(err, ErrMalformedLine) {
			reason = "malformed"
		}
		h.deps.Metrics.HandlerError(h.Name(), reason)
		h.deps.Logger.Warn("line rejected", "handler", h.Name(), "error", err, "line", line)
		return false
	}

	if h.Kind == KindCatchAll {
		h.deps.Logger.Debug(summary, "handler", h.Name())
	} else {
		h.deps.Logger.Info(summary, "handler", h.Name())
	}
	if h.LogOutput {
		h.deps.Console.Echo(h.Kind, h.Style, summary)
	}
	if len(h.Actions) > 0 && h.deps.Actions != nil {
		vars := fields.Map()
		vars["summary"] = summary
		vars["handler"] = h.Name()
		h.deps.Actions.RunAll(ctx, h.Actions, vars)
	}
	return true
}

func (h *LineHandler) mutate(fields Fields) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.deps.Metrics.HandlerError(h.Name(), "panic")
			h.deps.Logger.Error("handler mutation panicked", "handler", h.Name(), "panic", fmt.Sprint(r))
			summary, err = fmt.Sprintf("%s line (mutation failed)", h.Kind), nil
		}
	}()
	return h.apply(h.deps, fields)
}
