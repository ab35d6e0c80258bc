package ingest

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/g960059/lobbywatch/internal/action"
	"github.com/g960059/lobbywatch/internal/config"
)

// DefaultDescriptors enables every kind in DefaultOrder with console echo.
func DefaultDescriptors() []config.HandlerDescriptor {
	out := make([]config.HandlerDescriptor, 0, len(DefaultOrder))
	for _, k := range DefaultOrder {
		out = append(out, config.HandlerDescriptor{
			Type:      string(k),
			LogOutput: k != KindCatchAll,
		})
	}
	return out
}

// Build turns descriptors into handlers in configuration order. Invalid
// descriptors are skipped and reported as warnings; a catch_all handler is
// moved behind every other handler. With no descriptors the defaults apply.
func Build(descs []config.HandlerDescriptor, deps Deps) ([]*LineHandler, []error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if len(descs) == 0 {
		descs = DefaultDescriptors()
	}
	shared := &deps

	var (
		handlers  []*LineHandler
		catchAlls []*LineHandler
		warnings  []error
	)
	for i, d := range descs {
		h, errs := buildOne(d, shared)
		for _, err := range errs {
			warnings = append(warnings, fmt.Errorf("handler %d (%s): %w", i, d.Type, err))
		}
		if h == nil {
			continue
		}
		if h.Kind == KindCatchAll {
			if i != len(descs)-1 {
				warnings = append(warnings, fmt.Errorf("handler %d (%s): catch_all must be last, moved to the end", i, d.Type))
			}
			catchAlls = append(catchAlls, h)
			continue
		}
		handlers = append(handlers, h)
	}
	handlers = append(handlers, catchAlls...)
	for _, w := range warnings {
		deps.Logger.Warn("handler configuration", "warning", w)
	}
	return handlers, warnings
}

func buildOne(d config.HandlerDescriptor, deps *Deps) (*LineHandler, []error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(d.Type)))
	def, ok := kinds[kind]
	if !ok {
		return nil, []error{fmt.Errorf("unknown handler type %q", d.Type)}
	}
	pattern := def.pattern
	if strings.TrimSpace(d.Pattern) != "" {
		pattern = d.Pattern
	}
	m, err := NewMatcher(pattern)
	if err != nil {
		return nil, []error{err}
	}

	var warnings []error
	style := def.style
	if d.Style != "" {
		if c, ok := ParseColor(d.Style); ok {
			style = c
		} else {
			warnings = append(warnings, fmt.Errorf("unknown style %q, using default", d.Style))
		}
	}
	actions, errs := action.FromDescriptors(d.Actions)
	warnings = append(warnings, errs...)

	return &LineHandler{
		Kind:      kind,
		Enabled:   d.IsEnabled(),
		LogOutput: d.LogOutput,
		Style:     style,
		Actions:   actions,
		matcher:   m,
		apply:     def.apply,
		deps:      deps,
	}, warnings
}
