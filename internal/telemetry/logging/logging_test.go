package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/Phambanam99/tracking-sub002/internal/telemetry/tracing"
	"github.com/stretchr/testify/require"
)

func TestCorrelatedLoggerAddsTraceSpan(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{AddSource: false}))
	log := New(base)

	tr := tracing.NewTracer(true)
	ctx, span := tr.StartSpan(context.Background(), "op")
	defer span.End()
	log.InfoCtx(ctx, "hello", "k", "v")

	out := buf.String()
	require.Contains(t, out, "trace_id=")
	require.Contains(t, out, "span_id=")
}

func TestCorrelatedLoggerNoSpan(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewTextHandler(&buf, nil)))
	log.InfoCtx(context.Background(), "plain")
	require.NotContains(t, buf.String(), "trace_id=")
}

func TestWithAddsPersistentAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewTextHandler(&buf, nil))).With("component", "orchestrator")
	log.InfoCtx(context.Background(), "tick")
	require.Contains(t, buf.String(), "component=orchestrator")
}
