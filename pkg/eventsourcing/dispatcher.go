package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/idgen"
)

// CommandHandler handles a command and returns the events it committed.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error)
}

// CommandHandlerFunc is a function adapter for CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error)

// Handle calls f(ctx, cmd).
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
	return f(ctx, cmd)
}

// CommandMiddleware wraps a command handler with additional behavior.
type CommandMiddleware func(CommandHandler) CommandHandler

// HandlerFunc decides a command against the current state of an aggregate.
// It records new events on agg with Raise; returning an error discards them.
type HandlerFunc[T Aggregate] func(ctx context.Context, agg T, cmd *domain.Command) error

// EventPublisher receives committed events in commit order.
type EventPublisher interface {
	Publish(ctx context.Context, events []*domain.Event) error
}

type dispatcherConfig struct {
	publisher       EventPublisher
	maxRetries      int
	logger          *slog.Logger
	dispatchTimeout time.Duration
}

func defaultDispatcherConfig() dispatcherConfig {
	return dispatcherConfig{
		maxRetries:      3,
		logger:          slog.Default(),
		dispatchTimeout: 10 * time.Second,
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

// WithPublisher sets the publisher that receives events after commit.
func WithPublisher(p EventPublisher) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.publisher = p
	}
}

// WithMaxRetries sets how often a command is retried after a concurrency conflict.
func WithMaxRetries(n int) DispatcherOption {
	return func(c *dispatcherConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDispatchTimeout bounds a dispatch whose context carries no deadline.
// Zero disables the default deadline.
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.dispatchTimeout = d
	}
}

// Dispatcher routes commands to handlers registered for one aggregate type.
//
// Commands for the same aggregate ID are handled one at a time; commands for
// different IDs run concurrently. Appending and publishing happen under a single
// commit lock so that events reach the publisher in commit order.
type Dispatcher[T Aggregate] struct {
	repo       *Repository[T]
	config     dispatcherConfig
	locks      *keyedMutex
	commit     chan struct{}
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc[T]
	middleware []CommandMiddleware
}

// NewDispatcher creates a dispatcher over repo.
func NewDispatcher[T Aggregate](repo *Repository[T], opts ...DispatcherOption) *Dispatcher[T] {
	config := defaultDispatcherConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Dispatcher[T]{
		repo:     repo,
		config:   config,
		locks:    newKeyedMutex(),
		commit:   make(chan struct{}, 1),
		handlers: make(map[string]HandlerFunc[T]),
	}
}

// Register registers the handler for a command type. It panics on duplicates.
func (d *Dispatcher[T]) Register(commandType string, handler HandlerFunc[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}
	d.handlers[commandType] = handler
}

// Use adds middleware. The first middleware added is the outermost.
func (d *Dispatcher[T]) Use(middleware ...CommandMiddleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, middleware...)
}

// Dispatch validates, handles and commits a command.
// It returns after the events are durably appended and handed to the publisher;
// it never waits for projections.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
	if cmd == nil {
		return nil, domain.Invalid("COMMAND_REQUIRED", "", "command is nil")
	}
	if cmd.Type == "" {
		return nil, domain.Invalid("TYPE_REQUIRED", "type", "command type is required")
	}
	if cmd.AggregateID == "" {
		return nil, domain.Invalid("ID_REQUIRED", "aggregate_id", "aggregate id is required")
	}
	if cmd.ID == "" {
		cmd.ID = idgen.MustGenerateSortableID()
	}

	d.mu.RLock()
	handler, ok := d.handlers[cmd.Type]
	middleware := d.middleware
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommandNotFound, cmd.Type)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d.config.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.dispatchTimeout)
		defer cancel()
	}

	var h CommandHandler = CommandHandlerFunc(func(ctx context.Context, cmd *domain.Command) ([]*domain.Event, error) {
		return d.execute(ctx, cmd, handler)
	})
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}

	events, err := h.Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}

	result := &domain.CommandResult{
		CommandID:   cmd.ID,
		AggregateID: cmd.AggregateID,
		Events:      events,
		ProcessedAt: domain.Now(),
	}
	if n := len(events); n > 0 {
		result.Version = events[n-1].Version
	}
	return result, nil
}

func (d *Dispatcher[T]) execute(ctx context.Context, cmd *domain.Command, handler HandlerFunc[T]) ([]*domain.Event, error) {
	unlock, err := d.locks.Lock(ctx, cmd.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for aggregate %s: %w", domain.ErrTimeout, cmd.AggregateID, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		events, err := d.attempt(ctx, cmd, handler)
		if err == nil {
			return events, nil
		}
		if ctx.Err() != nil && !errors.Is(err, domain.ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= d.config.maxRetries {
			return nil, err
		}
		d.config.logger.WarnContext(ctx, "concurrency conflict, retrying command",
			slog.String("command_id", cmd.ID),
			slog.String("aggregate_id", cmd.AggregateID),
			slog.Int("attempt", attempt+1),
		)
	}
}

func (d *Dispatcher[T]) attempt(ctx context.Context, cmd *domain.Command, handler HandlerFunc[T]) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}

	agg, err := d.repo.Load(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	agg.SetCommandID(cmd.ID)

	if err := handler(ctx, agg, cmd); err != nil {
		return nil, err
	}
	if len(agg.UncommittedEvents()) == 0 {
		return nil, nil
	}

	for _, evt := range agg.UncommittedEvents() {
		if evt.Metadata.CorrelationID == "" {
			evt.Metadata.CorrelationID = cmd.Metadata.CorrelationID
		}
		if evt.Metadata.PrincipalID == "" {
			evt.Metadata.PrincipalID = cmd.Metadata.PrincipalID
		}
	}

	select {
	case d.commit <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting to commit: %w", domain.ErrTimeout, ctx.Err())
	}
	defer func() { <-d.commit }()

	events, err := d.repo.Save(ctx, agg)
	if err != nil {
		return nil, err
	}

	if d.config.publisher != nil {
		if err := d.config.publisher.Publish(ctx, events); err != nil {
			d.config.logger.ErrorContext(ctx, "failed to publish committed events",
				slog.String("command_id", cmd.ID),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.Int("events_count", len(events)),
				slog.String("error", err.Error()),
			)
		}
	}
	return events, nil
}
