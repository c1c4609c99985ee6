package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOption configures a span
type SpanOption func(trace.Span)

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// WithError marks a span as errored
func WithError(err error) SpanOption {
	return func(span trace.Span) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// StartSpan starts a new span with the given name and options
// Returns the span and a context containing the span
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)

	for _, opt := range opts {
		opt(span)
	}

	return ctx, span
}

// EndSpan ends a span, optionally recording an error
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SpanID extracts the span ID from context as a string
func SpanID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.SpanID().String()
	}
	return ""
}

// SetSpanAttributes adds attributes to the current span in the context
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanError records an error on the current span in the context
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the subscription engine
var (
	// Subscription attributes
	AttrTopic    = attribute.Key("subscription.topic")
	AttrMode     = attribute.Key("subscription.mode")
	AttrInterval = attribute.Key("subscription.interval_ms")

	// Consume cycle attributes
	AttrCycleID  = attribute.Key("cycle.id")
	AttrAttempt  = attribute.Key("cycle.attempt")
	AttrRowCount = attribute.Key("cycle.rows")

	// Entity attributes
	AttrEntityID    = attribute.Key("entity.id")
	AttrEntityCount = attribute.Key("entity.count")

	// Forwarding attributes
	AttrSubject = attribute.Key("messaging.destination")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
)

// Helper functions for common attributes

// SubscriptionAttrs returns common subscription attributes
func SubscriptionAttrs(topic, mode string, intervalMs int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrMode.String(mode),
		AttrInterval.Int64(intervalMs),
	}
}

// CycleAttrs returns common consume-cycle attributes
func CycleAttrs(topic, cycleID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTopic.String(topic),
	}
	if cycleID != "" {
		attrs = append(attrs, AttrCycleID.String(cycleID))
	}
	return attrs
}

// ErrorAttrs returns common error attributes
func ErrorAttrs(err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	}
}
