// Package logging wraps log/slog with trace/span correlation pulled from
// the internal tracing package: a log line written with a context that
// carries a span gets that span's trace_id and span_id.
package logging

import (
	"context"
	"log/slog"

	"github.com/Phambanam99/tracking-sub002/internal/telemetry/tracing"
)

// Logger is a minimal interface wrapper allowing correlation injection.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	With(attrs ...any) Logger
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper. base may be nil to use slog.Default().
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) With(attrs ...any) Logger {
	return &correlatedLogger{base: l.base.With(attrs...)}
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func withCorrelation(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return attrs
	}
	return append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}
