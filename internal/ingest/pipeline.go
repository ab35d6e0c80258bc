package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/g960059/lobbywatch/internal/metrics"
)

type Handler interface {
	Name() string
	Handle(ctx context.Context, line string) bool
}

// LineSource delivers lines in arrival order to emit until ctx is done.
type LineSource interface {
	Run(ctx context.Context, emit func(line string)) error
}

// Pipeline tries handlers in order and stops at the first that consumes the
// line.
type Pipeline struct {
	handlers []Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewPipeline(handlers []Handler, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{handlers: handlers, logger: logger, metrics: m}
}

// NewPipelineFromHandlers adapts the factory output.
func NewPipelineFromHandlers(handlers []*LineHandler, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	hs := make([]Handler, len(handlers))
	for i, h := range handlers {
		hs[i] = h
	}
	return NewPipeline(hs, logger, m)
}

func (p *Pipeline) Handlers() []string {
	out := make([]string, len(p.handlers))
	for i, h := range p.handlers {
		out[i] = h.Name()
	}
	return out
}

func (p *Pipeline) Dispatch(ctx context.Context, line string) bool {
	for _, h := range p.handlers {
		if p.try(ctx, h, line) {
			p.metrics.LineDispatched(h.Name())
			return true
		}
	}
	p.metrics.LineDispatched("")
	return false
}

func (p *Pipeline) try(ctx context.Context, h Handler, line string) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.HandlerError(h.Name(), "panic")
			p.logger.Error("handler panicked", "handler", h.Name(), "panic", fmt.Sprint(r), "line", line)
			consumed = false
		}
	}()
	return h.Handle(ctx, line)
}

// Run dispatches every line from src until ctx is done.
func (p *Pipeline) Run(ctx context.Context, src LineSource) error {
	return src.Run(ctx, func(line string) {
		p.Dispatch(ctx, line)
	})
}
