package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/middleware"
	"github.com/plaenen/eventlane/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func committed(events ...*domain.Event) eventsourcing.CommandHandler {
	return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
		return events, nil
	})
}

func failing(err error) eventsourcing.CommandHandler {
	return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
		return nil, err
	})
}

func testCommand() *domain.Command {
	return &domain.Command{ID: "cmd-1", Type: "item.create", AggregateID: "a1", Data: "x"}
}

func testEvent() *domain.Event {
	return &domain.Event{ID: "e1", AggregateID: "a1", AggregateType: "Item", EventType: "item.created", Version: 1, Position: 4}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	h := middleware.LoggingMiddleware(logger)(committed(testEvent()))
	_, err := h.Handle(context.Background(), testCommand())
	require.NoError(t, err)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "command committed", lines[0]["msg"])
	assert.Equal(t, "a1", lines[0]["aggregate_id"])
	assert.Equal(t, float64(4), lines[0]["position"])
}

func TestLoggingMiddlewareLevels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"caller error", domain.Conflict("ITEM_EXISTS", "exists"), "WARN"},
		{"internal error", errors.New("disk full"), "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			_, err := middleware.LoggingMiddleware(logger)(failing(tt.err)).Handle(context.Background(), testCommand())
			require.ErrorIs(t, err, tt.err)

			lines := logLines(t, &buf)
			require.Len(t, lines, 1)
			assert.Equal(t, tt.level, lines[0]["level"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	panicking := eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
		panic("boom")
	})

	events, err := middleware.RecoveryMiddleware(logger)(panicking).Handle(context.Background(), testCommand())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, events)
	assert.Contains(t, buf.String(), "command handler panicked")
}

func TestTracingMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, err := middleware.TracingMiddleware(tracer)(committed(testEvent())).Handle(context.Background(), testCommand())
	require.NoError(t, err)
	_, err = middleware.TracingMiddleware(tracer)(failing(domain.ErrCommandNotFound)).Handle(context.Background(), testCommand())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "command.item.create", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	_, err = middleware.MetricsMiddleware(metrics)(committed(testEvent())).Handle(context.Background(), testCommand())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	assert.True(t, found["eventlane.command.total"])
	assert.True(t, found["eventlane.command.duration"])
	assert.True(t, found["eventlane.events.appended"])
}

func TestValidationMiddleware(t *testing.T) {
	calls := 0
	next := eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
		calls++
		return nil, nil
	})
	rejectEmpty := middleware.ValidatorFunc(func(cmd *domain.Command) error {
		if cmd.Data == "" {
			return domain.Invalid("DATA_REQUIRED", "data", "data is required")
		}
		return nil
	})
	h := middleware.ValidationMiddleware(rejectEmpty)(next)

	_, err := h.Handle(context.Background(), &domain.Command{Type: "item.create", AggregateID: "a1"})
	require.ErrorIs(t, err, domain.ErrInvalidCommand)
	assert.Zero(t, calls)

	_, err = h.Handle(context.Background(), testCommand())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestMetadataValidationMiddleware(t *testing.T) {
	h := middleware.MetadataValidationMiddleware()(committed())

	cmd := testCommand()
	cmd.Metadata.CorrelationID = "corr\x00"
	_, err := h.Handle(context.Background(), cmd)
	require.ErrorIs(t, err, domain.ErrInvalidCommand)

	cmd.Metadata.CorrelationID = "corr-1"
	_, err = h.Handle(context.Background(), cmd)
	require.NoError(t, err)
}
