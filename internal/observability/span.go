package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies every span this package starts, including the
// EventStream span StreamServerInterceptor starts.
const tracerName = "hostchannel"

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan ends a span, recording any error.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartInvocationSpan starts a span scoped to one function invocation,
// tagged with the ids a trace needs to correlate against the RPC log
// stream and the correlation table rather than a fixed operation name.
func StartInvocationSpan(ctx context.Context, functionID, invocationID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "invocation.dispatch",
		attribute.String("function.id", functionID),
		attribute.String("invocation.id", invocationID),
	)
}
