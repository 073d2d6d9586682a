// Package tracing wraps the OpenTelemetry tracer shared by every fern package.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	fernctx "github.com/Ramsey-B/fern/pkg/context"
)

var tracer trace.Tracer

// SetTracer installs t; nil turns spans into no-ops.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a child span of ctx tagged with the run id and command.
// Without a tracer the returned span is a no-op.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	if runID := fernctx.GetRunID(ctx); runID != "" {
		attrs = append(attrs, attribute.String("fern.run_id", runID))
	}
	if command := fernctx.GetCommand(ctx); command != "" {
		attrs = append(attrs, attribute.String("fern.command", command))
	}
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID is the id of the active trace, or empty.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// Carrier returns the W3C trace context headers of ctx for propagation on
// outgoing messages. It is empty when ctx carries no sampled span.
func Carrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return carrier
	}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier
}
