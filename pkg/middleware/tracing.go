package middleware

import (
	"context"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware adds OpenTelemetry spans to command execution.
// A nil tracer uses the global provider.
func TracingMiddleware(tracer trace.Tracer) eventsourcing.CommandMiddleware {
	if tracer == nil {
		tracer = observability.Tracer()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
			ctx, span := tracer.Start(ctx, "command."+cmd.Type,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(observability.CommandAttrs(cmd)...),
			)

			events, err := next.Handle(ctx, cmd)
			if err != nil {
				span.SetAttributes(observability.AttrErrorKind.String(observability.ErrorKind(err)))
				observability.EndSpan(span, err)
				return nil, err
			}

			span.SetAttributes(observability.AttrEventCount.Int(len(events)))
			if len(events) > 0 {
				eventTypes := make([]string, len(events))
				for i, evt := range events {
					eventTypes[i] = evt.EventType
				}
				span.SetAttributes(
					attribute.StringSlice("event.types", eventTypes),
					observability.AttrVersion.Int64(events[len(events)-1].Version),
				)
			}
			observability.EndSpan(span, nil)

			return events, nil
		})
	}
}
