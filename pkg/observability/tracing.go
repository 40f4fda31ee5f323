package observability

import (
	"context"

	"github.com/plaenen/eventlane/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for eventlane spans.
const TracerName = "github.com/plaenen/eventlane"

// Tracer returns the eventlane tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
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

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
var (
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrVersion       = attribute.Key("aggregate.version")

	AttrCommandType = attribute.Key("command.type")
	AttrCommandID   = attribute.Key("command.id")

	AttrEventType     = attribute.Key("event.type")
	AttrEventID       = attribute.Key("event.id")
	AttrEventCount    = attribute.Key("event.count")
	AttrEventPosition = attribute.Key("event.position")

	AttrLane    = attribute.Key("lane.name")
	AttrAttempt = attribute.Key("lane.attempt")

	AttrErrorKind = attribute.Key("error.kind")
)

// CommandAttrs returns common command attributes
func CommandAttrs(cmd *domain.Command) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrCommandType.String(cmd.Type),
		AttrAggregateID.String(cmd.AggregateID),
	}
	if cmd.ID != "" {
		attrs = append(attrs, AttrCommandID.String(cmd.ID))
	}
	return attrs
}

// EventAttrs returns common event attributes
func EventAttrs(evt *domain.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(evt.EventType),
		AttrEventID.String(evt.ID),
		AttrAggregateID.String(evt.AggregateID),
		AttrVersion.Int64(evt.Version),
		AttrEventPosition.Int64(evt.Position),
	}
}
