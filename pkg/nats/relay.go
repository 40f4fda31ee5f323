package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/observability"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned by Relay.Publish while no bus is attached.
var ErrNotConnected = errors.New("relay not attached to an event bus")

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRelayTracer sets the tracer used for publish spans.
func WithRelayTracer(tracer trace.Tracer) RelayOption {
	return func(r *Relay) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Relay forwards committed events from the command dispatcher to the event
// bus. It can be handed to the dispatcher before the bus exists; the bus is
// attached once the transport has started.
type Relay struct {
	logger *slog.Logger
	tracer trace.Tracer

	mu  sync.RWMutex
	bus *EventBus
}

// NewRelay creates a detached relay.
func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		logger: slog.Default(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach routes subsequent publishes to bus.
func (r *Relay) Attach(bus *EventBus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
}

// Detach stops forwarding.
func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = nil
}

// Publish writes events to the attached bus.
func (r *Relay) Publish(ctx context.Context, events []*domain.Event) error {
	r.mu.RLock()
	bus := r.bus
	r.mu.RUnlock()

	if bus == nil {
		return ErrNotConnected
	}

	ctx, span := r.tracer.Start(ctx, "nats.relay",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(observability.AttrEventCount.Int(len(events))),
	)
	err := bus.Publish(ctx, events)
	observability.EndSpan(span, err)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to relay events",
			slog.Int("events_count", len(events)),
			slog.String("error", err.Error()),
		)
	}
	return err
}
