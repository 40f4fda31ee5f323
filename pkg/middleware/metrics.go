package middleware

import (
	"context"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/observability"
)

// MetricsMiddleware records command duration, totals, errors and appended events.
func MetricsMiddleware(metrics *observability.Metrics) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
			start := time.Now()
			events, err := next.Handle(ctx, cmd)
			metrics.RecordCommand(ctx, cmd.Type, time.Since(start), err)
			if len(events) > 0 {
				metrics.RecordEventsAppended(ctx, events[0].AggregateType, len(events))
			}
			return events, err
		})
	}
}
