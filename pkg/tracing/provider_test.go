package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, TraceID(ctx))
	assert.Empty(t, Carrier(ctx))
}

func TestStartSpan_Console(t *testing.T) {
	var buf bytes.Buffer
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporters.NewConsoleExporter(&buf)))
	SetTracer(tp.Tracer("test"))
	t.Cleanup(func() { SetTracer(nil) })

	ctx, parent := StartSpan(context.Background(), "pipeline.Pipeline.Run")
	assert.NotEmpty(t, TraceID(ctx))
	assert.Contains(t, Carrier(ctx), "traceparent")
	_, child := StartSpan(ctx, "resolver.Resolver.Resolve")
	child.End()
	parent.End()

	_, failed := StartSpan(ctx, "graph.Client.Write")
	Fail(failed, errors.New("boom"))
	failed.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, `"name":"resolver.Resolver.Resolve"`)
	assert.Contains(t, out, `"parent_id"`)
	assert.Contains(t, out, `"name":"pipeline.Pipeline.Run"`)
	assert.Contains(t, out, `"status":"Error"`)
}
