package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Lane outcomes recorded by RecordLaneOutcome.
const (
	OutcomeCompleted   = "completed"
	OutcomeTimedOut    = "timed_out"
	OutcomeInterrupted = "interrupted"
)

// Metrics holds all metric instruments for eventlane.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event metrics
	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter

	// Lane metrics
	LaneDelivered   metric.Int64Counter
	LaneCompleted   metric.Int64Counter
	LaneTimeouts    metric.Int64Counter
	LaneInterrupted metric.Int64Counter
	LaneRestarts    metric.Int64Counter
	LaneSkipped     metric.Int64Counter
	LaneQueueDepth  metric.Int64Gauge
	ProjectionLag   metric.Float64Gauge

	// NATS metrics
	NATSPublishLatency metric.Float64Histogram
	NATSMessages       metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"eventlane.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"eventlane.command.total",
		metric.WithDescription("Total commands dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"eventlane.command.errors",
		metric.WithDescription("Total rejected or failed commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"eventlane.events.appended",
		metric.WithDescription("Total events appended to the event log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"eventlane.events.published",
		metric.WithDescription("Total events enqueued onto lanes"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.LaneDelivered, err = meter.Int64Counter(
		"eventlane.lane.delivered",
		metric.WithDescription("Handler invocations, including redeliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.delivered: %w", err)
	}

	m.LaneCompleted, err = meter.Int64Counter(
		"eventlane.lane.completed",
		metric.WithDescription("Events confirmed applied"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.completed: %w", err)
	}

	m.LaneTimeouts, err = meter.Int64Counter(
		"eventlane.lane.timeouts",
		metric.WithDescription("Handler invocations that exceeded the processing timeout"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.timeouts: %w", err)
	}

	m.LaneInterrupted, err = meter.Int64Counter(
		"eventlane.lane.interrupted",
		metric.WithDescription("Handler invocations that failed or were cancelled mid-event"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.interrupted: %w", err)
	}

	m.LaneRestarts, err = meter.Int64Counter(
		"eventlane.lane.restarts",
		metric.WithDescription("Consumption worker restarts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.restarts: %w", err)
	}

	m.LaneSkipped, err = meter.Int64Counter(
		"eventlane.lane.skipped",
		metric.WithDescription("Events skipped by the restart policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.skipped: %w", err)
	}

	m.LaneQueueDepth, err = meter.Int64Gauge(
		"eventlane.lane.queue_depth",
		metric.WithDescription("Events waiting on a lane"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lane.queue_depth: %w", err)
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"eventlane.projection.lag",
		metric.WithDescription("Time between commit and apply of the last completed event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.NATSPublishLatency, err = meter.Float64Histogram(
		"eventlane.nats.publish.latency",
		metric.WithDescription("NATS publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.publish.latency: %w", err)
	}

	m.NATSMessages, err = meter.Int64Counter(
		"eventlane.nats.messages",
		metric.WithDescription("Total NATS messages published/received"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.messages: %w", err)
	}

	return m, nil
}

// NewNoopMetrics returns instruments that discard every measurement.
func NewNoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("eventlane"))
	if err != nil {
		panic(err)
	}
	return m
}

// RecordCommand records command execution metrics
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command_type", commandType))

	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	m.CommandTotal.Add(ctx, 1, attrs)

	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command_type", commandType),
			attribute.String("error_kind", ErrorKind(err)),
		))
	}
}

// RecordEventsAppended records events committed to the log
func (m *Metrics) RecordEventsAppended(ctx context.Context, aggregateType string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.EventsAppended.Add(ctx, int64(count), metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

// RecordEventsPublished records events enqueued onto a lane
func (m *Metrics) RecordEventsPublished(ctx context.Context, lane string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.EventsPublished.Add(ctx, int64(count), metric.WithAttributes(attribute.String("lane", lane)))
}

// RecordLaneDelivery records a handler invocation
func (m *Metrics) RecordLaneDelivery(ctx context.Context, lane string) {
	if m == nil {
		return
	}
	m.LaneDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane)))
}

// RecordLaneOutcome records how a handler invocation ended
func (m *Metrics) RecordLaneOutcome(ctx context.Context, lane, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("lane", lane))
	switch outcome {
	case OutcomeCompleted:
		m.LaneCompleted.Add(ctx, 1, attrs)
	case OutcomeTimedOut:
		m.LaneTimeouts.Add(ctx, 1, attrs)
	case OutcomeInterrupted:
		m.LaneInterrupted.Add(ctx, 1, attrs)
	}
}

// RecordLaneRestart records a worker restart
func (m *Metrics) RecordLaneRestart(ctx context.Context, lane, policy string) {
	if m == nil {
		return
	}
	m.LaneRestarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("policy", policy),
	))
}

// RecordLaneSkipped records an event dropped by the restart policy
func (m *Metrics) RecordLaneSkipped(ctx context.Context, lane, eventType string) {
	if m == nil {
		return
	}
	m.LaneSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("event_type", eventType),
	))
}

// RecordQueueDepth records the current depth of a lane queue
func (m *Metrics) RecordQueueDepth(ctx context.Context, lane string, depth int) {
	if m == nil {
		return
	}
	m.LaneQueueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("lane", lane)))
}

// RecordProjectionLag records how far behind a projection is
func (m *Metrics) RecordProjectionLag(ctx context.Context, lane string, lag time.Duration) {
	if m == nil {
		return
	}
	m.ProjectionLag.Record(ctx, lag.Seconds(), metric.WithAttributes(attribute.String("lane", lane)))
}

// RecordNATSPublish records NATS publish metrics
func (m *Metrics) RecordNATSPublish(ctx context.Context, subject string, duration time.Duration, messageCount int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("direction", "publish"),
	)
	m.NATSPublishLatency.Record(ctx, duration.Seconds(), attrs)
	m.NATSMessages.Add(ctx, int64(messageCount), attrs)
}

// RecordNATSReceive records a message delivered by JetStream
func (m *Metrics) RecordNATSReceive(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.NATSMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("direction", "receive"),
	))
}

// ErrorKind classifies err into a low-cardinality label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrCommandNotFound):
		return "command_not_found"
	case errors.Is(err, domain.ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, domain.ErrAggregateStateConflict):
		return "state_conflict"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrProjectionTimeout):
		return "projection_timeout"
	case errors.Is(err, domain.ErrInterruptedDuringApply):
		return "interrupted"
	default:
		return "internal"
	}
}
