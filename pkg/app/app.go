// Package app wires the event log, the item command service, the projection
// lanes and the optional NATS transport into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/plaenen/eventlane/pkg/config"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/item"
	"github.com/plaenen/eventlane/pkg/lane"
	"github.com/plaenen/eventlane/pkg/middleware"
	natspkg "github.com/plaenen/eventlane/pkg/nats"
	"github.com/plaenen/eventlane/pkg/observability"
	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/plaenen/eventlane/pkg/runner"
	"github.com/plaenen/eventlane/pkg/runtime/natsbus"
	"github.com/plaenen/eventlane/pkg/sqlite"
	"github.com/plaenen/eventlane/pkg/store"
	"github.com/plaenen/eventlane/pkg/store/memory"
)

type options struct {
	logger      *slog.Logger
	telemetry   *observability.Telemetry
	projection  []projection.ItemProjectionOption
	lane        []lane.Option
	withoutSigs bool
}

// Option configures an App.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets the tracer and meter providers. Without it telemetry is a no-op.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(o *options) {
		o.telemetry = t
	}
}

// WithProjectionOptions configures the item projection, for example a stall injector.
func WithProjectionOptions(opts ...projection.ItemProjectionOption) Option {
	return func(o *options) {
		o.projection = append(o.projection, opts...)
	}
}

// WithLaneOptions adds lane options applied after the configured ones.
func WithLaneOptions(opts ...lane.Option) Option {
	return func(o *options) {
		o.lane = append(o.lane, opts...)
	}
}

// WithoutSignals makes Run ignore SIGINT and SIGTERM.
func WithoutSignals() Option {
	return func(o *options) {
		o.withoutSigs = true
	}
}

// App is the assembled system.
type App struct {
	Config      config.Config
	Logger      *slog.Logger
	Telemetry   *observability.Telemetry
	EventStore  store.EventStore
	Checkpoints store.CheckpointStore
	Items       *item.Service
	Publisher   *lane.Publisher
	Projection  *projection.ItemProjection
	Lane        *lane.Lane

	// Transport is nil for the direct transport.
	Transport *natsbus.Service

	runner        *runner.Runner
	started       []runner.Service
	ownsTelemetry bool
}

// New builds the app from cfg. Nothing runs until Start or Run.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		logger, err := cfg.NewLogger(os.Stderr)
		if err != nil {
			return nil, err
		}
		o.logger = logger
	}
	ownsTelemetry := false
	if o.telemetry == nil {
		tel, err := observability.Init(ctx, observability.Config{Logger: o.logger})
		if err != nil {
			return nil, err
		}
		o.telemetry = tel
		ownsTelemetry = true
	}

	a := &App{
		Config:        cfg,
		Logger:        o.logger,
		Telemetry:     o.telemetry,
		ownsTelemetry: ownsTelemetry,
	}

	closeStore, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}

	tracer := o.telemetry.Tracer(observability.TracerName)
	metrics := o.telemetry.Metrics

	a.Publisher = lane.NewPublisher(
		lane.WithPublisherLogger(a.Logger),
		lane.WithPublisherMetrics(metrics),
	)
	a.Projection = projection.NewItemProjection(append([]projection.ItemProjectionOption{
		projection.WithLogger(a.Logger),
	}, o.projection...)...)

	laneOpts := append(cfg.Lane.LaneOptions(),
		lane.WithEventStore(a.EventStore),
		lane.WithCheckpointStore(a.Checkpoints),
		lane.WithTracer(tracer),
	)
	a.Lane, err = a.Publisher.Register(a.Projection, append(laneOpts, o.lane...)...)
	if err != nil {
		return nil, errors.Join(err, closeStore(ctx))
	}

	var publisher eventsourcing.EventPublisher = a.Publisher
	if cfg.Transport == config.TransportNATS {
		natsConfig := natspkg.DefaultConfig()
		natsConfig.StreamName = cfg.NATSStream
		a.Transport = natsbus.New(
			natsbus.WithConfig(natsConfig),
			natsbus.WithSink(a.Publisher),
			natsbus.WithLogger(a.Logger),
			natsbus.WithTracer(tracer),
			natsbus.WithMetrics(metrics),
		)
		publisher = a.Transport.Relay()
	}

	dispatcherOpts := append(cfg.Dispatch.DispatcherOptions(),
		eventsourcing.WithPublisher(publisher),
		eventsourcing.WithLogger(a.Logger),
	)
	a.Items = item.NewService(a.EventStore,
		item.WithDispatcherOptions(dispatcherOpts...),
		item.WithMiddleware(
			middleware.RecoveryMiddleware(a.Logger),
			middleware.TracingMiddleware(tracer),
			middleware.MetricsMiddleware(metrics),
			middleware.LoggingMiddleware(a.Logger),
			middleware.MetadataValidationMiddleware(),
		),
	)

	services := []runner.Service{
		runner.ServiceFunc{ServiceName: "event-store", StartFunc: a.resetReadModel, StopFunc: closeStore},
		a.Publisher,
	}
	if a.Transport != nil {
		services = append(services, a.Transport)
	}
	runnerOpts := []runner.Option{runner.WithLogger(a.Logger)}
	if o.withoutSigs {
		runnerOpts = append(runnerOpts, runner.WithoutSignals())
	}
	a.runner = runner.New(services, runnerOpts...)

	return a, nil
}

func (a *App) openStore(cfg config.Config) (func(context.Context) error, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		es, err := sqlite.NewEventStore(sqlite.WithDSN(cfg.SQLiteDSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		cs, err := sqlite.NewCheckpointStore(es.DB())
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open checkpoint store: %w", err), es.Close())
		}
		a.EventStore, a.Checkpoints = es, cs
	default:
		a.EventStore, a.Checkpoints = memory.NewEventStore(), memory.NewCheckpointStore()
	}

	es := a.EventStore
	return func(context.Context) error { return es.Close() }, nil
}

// resetReadModel drops the lane checkpoint. The item read model lives in
// memory, so every process start replays the log from the beginning.
func (a *App) resetReadModel(ctx context.Context) error {
	if err := a.Checkpoints.Delete(ctx, a.Lane.Name()); err != nil {
		return fmt.Errorf("failed to reset %s checkpoint: %w", a.Lane.Name(), err)
	}
	return nil
}

// Start starts the lanes, then the transport. The lane catches up from its
// checkpoint before it accepts new work.
func (a *App) Start(ctx context.Context) error {
	started, err := a.runner.Start(ctx)
	if err != nil {
		return err
	}
	a.started = started
	return nil
}

// Stop stops the transport, the lanes and closes the store, in that order.
func (a *App) Stop(ctx context.Context) error {
	err := a.runner.Stop(a.started)
	a.started = nil
	return errors.Join(err, a.shutdownTelemetry(ctx))
}

// Run starts everything and blocks until ctx is cancelled or a shutdown
// signal arrives.
func (a *App) Run(ctx context.Context) error {
	err := a.runner.Run(ctx)
	return errors.Join(err, a.shutdownTelemetry(context.WithoutCancel(ctx)))
}

func (a *App) shutdownTelemetry(ctx context.Context) error {
	if !a.ownsTelemetry {
		return nil
	}
	return a.Telemetry.Shutdown(ctx)
}

// HealthCheck reports unhealthy services.
func (a *App) HealthCheck(ctx context.Context) error {
	return a.runner.HealthCheck(ctx)
}
