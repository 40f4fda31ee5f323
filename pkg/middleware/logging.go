// Package middleware provides command middleware for the dispatcher.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
)

// LoggingMiddleware logs command execution with timing information using slog.
// Caller errors (invalid commands, state conflicts) are logged at warn, everything else at error.
func LoggingMiddleware(logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
			start := time.Now()

			logger.DebugContext(ctx, "executing command",
				slog.String("command_type", cmd.Type),
				slog.String("command_id", cmd.ID),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.String("correlation_id", cmd.Metadata.CorrelationID),
			)

			events, err := next.Handle(ctx, cmd)
			duration := time.Since(start)

			if err != nil {
				level := slog.LevelError
				if errors.Is(err, domain.ErrInvalidCommand) || errors.Is(err, domain.ErrAggregateStateConflict) {
					level = slog.LevelWarn
				}
				logger.Log(ctx, level, "command rejected",
					slog.String("command_type", cmd.Type),
					slog.String("command_id", cmd.ID),
					slog.String("aggregate_id", cmd.AggregateID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			attrs := []any{
				slog.String("command_type", cmd.Type),
				slog.String("command_id", cmd.ID),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.Int("events_count", len(events)),
				slog.Int64("duration_ms", duration.Milliseconds()),
			}
			if n := len(events); n > 0 {
				attrs = append(attrs,
					slog.Int64("version", events[n-1].Version),
					slog.Int64("position", events[n-1].Position),
				)
			}
			logger.InfoContext(ctx, "command committed", attrs...)

			return events, nil
		})
	}
}
