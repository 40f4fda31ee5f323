// Package natsbus provides a runner.Service that owns the NATS transport:
// an embedded JetStream server, the EventBus on top of it, the Relay handed
// to the command dispatcher and the Bridge that feeds the projection lanes.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	natspkg "github.com/plaenen/eventlane/pkg/nats"
	"github.com/plaenen/eventlane/pkg/observability"
	"github.com/plaenen/eventlane/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Service wraps an embedded NATS server, the EventBus and the Bridge as a
// runner.Service. Start brings them up in that order; Stop tears them down in
// reverse.
//
// Example usage:
//
//	transport := natsbus.New(
//	    natsbus.WithSink(lanePublisher),
//	    natsbus.WithLogger(logger),
//	)
//	service := item.NewService(es, item.WithDispatcherOptions(
//	    eventsourcing.WithPublisher(transport.Relay()),
//	))
//
//	runner.New([]runner.Service{lanePublisher, transport}).Run(ctx)
type Service struct {
	config  natspkg.Config
	durable string
	sink    natspkg.EventSink
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	relay  *natspkg.Relay
	server *natspkg.EmbeddedServer
	bus    *natspkg.EventBus
	bridge *natspkg.Bridge
}

// Option configures the service.
type Option func(*Service)

// WithConfig sets the bus configuration.
// The URL in the config is replaced with the embedded server URL.
func WithConfig(config natspkg.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithSink sets where delivered events go. Without a sink no bridge is started.
func WithSink(sink natspkg.EventSink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithDurable sets the bridge consumer name.
func WithDurable(durable string) Option {
	return func(s *Service) {
		s.durable = durable
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithMetrics sets the metric instruments for the bus.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates the transport service. The relay is usable immediately and
// starts forwarding once Start succeeds.
func New(opts ...Option) *Service {
	s := &Service{
		config:  natspkg.DefaultConfig(),
		durable: natspkg.DefaultBridgeDurable,
		logger:  slog.Default(),
		tracer:  observability.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.relay = natspkg.NewRelay(natspkg.WithRelayLogger(s.logger), natspkg.WithRelayTracer(s.tracer))
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "natsbus"
}

// Start starts the embedded server, connects the bus, attaches the relay and
// starts the bridge.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "natsbus.Start")
	defer func() { observability.EndSpan(span, err) }()

	srv, err := natspkg.StartEmbeddedServer(natspkg.WithServerLogger(s.logger))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	config := s.config
	config.URL = srv.URL()

	bus, err := natspkg.NewEventBus(config,
		natspkg.WithBusLogger(s.logger),
		natspkg.WithBusMetrics(s.metrics),
	)
	if err != nil {
		srv.Shutdown()
		s.server = nil
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	s.bus = bus

	if s.sink != nil {
		s.bridge = natspkg.NewBridge(bus, s.sink, s.durable, s.logger)
		if err := s.bridge.Start(ctx); err != nil {
			_ = bus.Close()
			srv.Shutdown()
			s.bus, s.server, s.bridge = nil, nil, nil
			return err
		}
	}
	s.relay.Attach(bus)

	span.SetAttributes(
		attribute.String("nats.url", srv.URL()),
		attribute.String("stream.name", config.StreamName),
	)
	s.logger.InfoContext(ctx, "natsbus service started",
		slog.String("url", srv.URL()),
		slog.String("stream", config.StreamName),
		slog.Bool("bridge", s.bridge != nil),
	)
	return nil
}

// Stop detaches the relay, stops the bridge, closes the bus and shuts the
// server down.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "natsbus.Stop")

	s.relay.Detach()

	var errs []error
	if s.bridge != nil {
		if err := s.bridge.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.bridge = nil
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
		s.bus = nil
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}

	err := errors.Join(errs...)
	observability.EndSpan(span, err)
	s.logger.InfoContext(ctx, "natsbus service stopped")
	return err
}

// HealthCheck checks that the server is running and the bus is connected.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.server == nil {
		return errors.New("nats server not started")
	}
	if s.bus == nil {
		return errors.New("event bus not created")
	}
	return s.bus.HealthCheck(ctx)
}

// Relay returns the publisher to hand to the command dispatcher.
func (s *Service) Relay() *natspkg.Relay {
	return s.relay
}

// EventBus returns the bus. Only available after Start succeeds.
func (s *Service) EventBus() *natspkg.EventBus {
	return s.bus
}

// URL returns the NATS server connection URL.
// Only available after Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
