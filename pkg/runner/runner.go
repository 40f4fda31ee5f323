// Package runner starts a set of services in order, waits for a shutdown
// signal or context cancellation and stops them in reverse order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service startup.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithoutSignals disables SIGINT/SIGTERM handling; Run then only returns on
// context cancellation.
func WithoutSignals() Option {
	return func(r *Runner) {
		r.handleSignals = false
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		handleSignals:   true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until the context is cancelled or a
// shutdown signal arrives.
//
// Services are started sequentially in the order they were registered.
// On shutdown, services are stopped one by one in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = NotifyContext(ctx)
		defer stop()
	}

	started, err := r.Start(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	r.logger.Info("shutting down services", slog.Duration("timeout", r.shutdownTimeout))

	return r.stopServices(started)
}

// Start starts services in order. If one fails, the services already started
// are stopped and the start error is returned. On success the started
// services are returned for a later Stop.
func (r *Runner) Start(ctx context.Context) ([]Service, error) {
	r.logger.Info("starting services", slog.Int("count", len(r.services)))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		r.logger.Debug("starting service", slog.String("service", service.Name()))

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service",
				slog.String("service", service.Name()),
				slog.String("error", err.Error()),
			)
			startErr := fmt.Errorf("start service %s: %w", service.Name(), err)
			return nil, errors.Join(startErr, r.stopServices(started))
		}

		started = append(started, service)
		r.logger.Info("service started", slog.String("service", service.Name()))
	}

	return started, nil
}

// Stop stops the given services in reverse order.
func (r *Runner) Stop(services []Service) error {
	return r.stopServices(services)
}

func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		r.logger.Debug("stopping service", slog.String("service", svc.Name()))

		if err := svc.Stop(shutdownCtx); err != nil {
			r.logger.Error("error stopping service",
				slog.String("service", svc.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Info("service stopped", slog.String("service", svc.Name()))
	}

	if err := shutdownCtx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown timeout of %s exceeded: %w", r.shutdownTimeout, err))
	}
	return errors.Join(errs...)
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("service %s unhealthy: %w", service.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
