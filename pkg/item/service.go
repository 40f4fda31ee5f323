package item

import (
	"context"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/idgen"
	"github.com/plaenen/eventlane/pkg/middleware"
	"github.com/plaenen/eventlane/pkg/store"
)

type serviceConfig struct {
	dispatcherOpts []eventsourcing.DispatcherOption
	middleware     []eventsourcing.CommandMiddleware
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

// WithDispatcherOptions passes options to the underlying dispatcher.
func WithDispatcherOptions(opts ...eventsourcing.DispatcherOption) ServiceOption {
	return func(c *serviceConfig) {
		c.dispatcherOpts = append(c.dispatcherOpts, opts...)
	}
}

// WithMiddleware installs middleware outside command validation.
func WithMiddleware(mw ...eventsourcing.CommandMiddleware) ServiceOption {
	return func(c *serviceConfig) {
		c.middleware = append(c.middleware, mw...)
	}
}

// Service is the command submission API for items.
type Service struct {
	repo       *eventsourcing.Repository[*Item]
	dispatcher *eventsourcing.Dispatcher[*Item]
}

// NewService wires a repository and dispatcher for items over es.
func NewService(es store.EventStore, opts ...ServiceOption) *Service {
	var config serviceConfig
	for _, opt := range opts {
		opt(&config)
	}

	repo := eventsourcing.NewRepository(es, New)
	d := eventsourcing.NewDispatcher(repo, config.dispatcherOpts...)
	d.Use(config.middleware...)
	d.Use(middleware.ValidationMiddleware(middleware.ValidatorFunc(ValidateCommand)))
	Register(d)

	return &Service{repo: repo, dispatcher: d}
}

// Dispatcher returns the underlying dispatcher.
func (s *Service) Dispatcher() *eventsourcing.Dispatcher[*Item] {
	return s.dispatcher
}

// Submit creates the item id with data. It returns once the event is committed;
// projections see it later.
func (s *Service) Submit(ctx context.Context, id, data string) (*domain.CommandResult, error) {
	return s.dispatch(ctx, CommandCreate, id, data)
}

// Change sets new data on an existing item.
func (s *Service) Change(ctx context.Context, id, data string) (*domain.CommandResult, error) {
	return s.dispatch(ctx, CommandChange, id, data)
}

// Load returns the current state of an item by replaying its events.
func (s *Service) Load(ctx context.Context, id string) (*Item, error) {
	return s.repo.Load(ctx, id)
}

func (s *Service) dispatch(ctx context.Context, commandType, id, data string) (*domain.CommandResult, error) {
	return s.dispatcher.Dispatch(ctx, &domain.Command{
		ID:          idgen.MustGenerateSortableID(),
		Type:        commandType,
		AggregateID: id,
		Data:        data,
		Metadata: domain.CommandMetadata{
			Timestamp: domain.Now(),
		},
	})
}
