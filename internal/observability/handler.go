package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// traceContextHandler adds trace_id and span_id to records logged with a
// context that carries a valid span context.
type traceContextHandler struct {
	next slog.Handler
}

func newTraceContextHandler(next slog.Handler) *traceContextHandler {
	return &traceContextHandler{next: next}
}

func (h *traceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h *traceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return newTraceContextHandler(h.next.WithAttrs(attrs))
}

func (h *traceContextHandler) WithGroup(name string) slog.Handler {
	return newTraceContextHandler(h.next.WithGroup(name))
}
