package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/observability"
	"github.com/plaenen/eventlane/pkg/projection"
)

var (
	// ErrPublisherStopped is returned by Publish after Stop.
	ErrPublisherStopped = errors.New("publisher stopped")

	// ErrDuplicateLane is returned when two projections share a name.
	ErrDuplicateLane = errors.New("lane already registered")
)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger. Lanes inherit it unless
// their own options override it.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherMetrics sets metric instruments shared by all lanes.
func WithPublisherMetrics(m *observability.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithDefaultLaneOptions sets options applied to every registered lane before
// its own options.
func WithDefaultLaneOptions(opts ...Option) PublisherOption {
	return func(p *Publisher) {
		p.defaults = append(p.defaults, opts...)
	}
}

// Publisher fans committed events out to one lane per registered projection.
// Publish only enqueues; a slow or stalled projection never blocks the caller
// or another lane.
type Publisher struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	defaults []Option

	mu      sync.RWMutex
	lanes   map[string]*Lane
	order   []string
	stopped bool
}

// NewPublisher creates a publisher with no lanes.
func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		logger: slog.Default(),
		lanes:  make(map[string]*Lane),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements runner.Service.
func (p *Publisher) Name() string {
	return "lane-publisher"
}

// Register creates a lane for proj. Lanes registered after Start must be
// started by the caller.
func (p *Publisher) Register(proj projection.Projection, opts ...Option) (*Lane, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrPublisherStopped
	}
	if _, exists := p.lanes[proj.Name()]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLane, proj.Name())
	}

	laneOpts := make([]Option, 0, len(p.defaults)+len(opts)+2)
	laneOpts = append(laneOpts, WithLogger(p.logger), WithMetrics(p.metrics))
	laneOpts = append(laneOpts, p.defaults...)
	laneOpts = append(laneOpts, opts...)

	l := New(proj, laneOpts...)
	p.lanes[l.Name()] = l
	p.order = append(p.order, l.Name())
	return l, nil
}

// Lane returns the lane for a projection name.
func (p *Publisher) Lane(name string) (*Lane, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.lanes[name]
	return l, ok
}

// Lanes returns all lanes in registration order.
func (p *Publisher) Lanes() []*Lane {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lanes := make([]*Lane, 0, len(p.order))
	for _, name := range p.order {
		lanes = append(lanes, p.lanes[name])
	}
	return lanes
}

// Publish enqueues events on every lane in the given order.
func (p *Publisher) Publish(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPublisherStopped
	}
	for _, name := range p.order {
		if err := p.lanes[name].Enqueue(ctx, events...); err != nil {
			return fmt.Errorf("lane %s: %w", name, err)
		}
		p.metrics.RecordEventsPublished(ctx, name, len(events))
	}
	return nil
}

// Start starts every lane. On failure the lanes already started are stopped.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPublisherStopped
	}
	lanes := make([]*Lane, 0, len(p.order))
	for _, name := range p.order {
		lanes = append(lanes, p.lanes[name])
	}
	p.mu.Unlock()

	for i, l := range lanes {
		if err := l.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = lanes[j].Stop(ctx)
			}
			return err
		}
	}

	p.logger.InfoContext(ctx, "lane publisher started", slog.Int("lanes", len(lanes)))
	return nil
}

// Stop stops every lane and rejects further publishes.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	lanes := make([]*Lane, 0, len(p.order))
	for _, name := range p.order {
		lanes = append(lanes, p.lanes[name])
	}
	p.mu.Unlock()

	var errs []error
	for _, l := range lanes {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.InfoContext(ctx, "lane publisher stopped", slog.Int("lanes", len(lanes)))
	return errors.Join(errs...)
}

// HealthCheck reports lanes that are not making progress.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPublisherStopped
	}

	var unhealthy []string
	for _, name := range p.order {
		switch p.lanes[name].State() {
		case TimedOut, Restarting, Stopped:
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		return fmt.Errorf("lanes not consuming: %v", unhealthy)
	}
	return nil
}
