package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/eventlane/pkg/domain"
)

// DefaultBridgeDurable is the consumer name used by a Bridge.
const DefaultBridgeDurable = "eventlane-lanes"

// EventSink receives events delivered by a Bridge. lane.Publisher satisfies it.
type EventSink interface {
	Publish(ctx context.Context, events []*domain.Event) error
}

// Bridge consumes the stream with a durable consumer and hands every delivered
// event to a sink. A message is acked once the sink has accepted it, so events
// the sink refused are redelivered.
type Bridge struct {
	bus     *EventBus
	sink    EventSink
	durable string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *Subscription
}

// NewBridge creates a bridge from bus to sink. An empty durable selects
// DefaultBridgeDurable.
func NewBridge(bus *EventBus, sink EventSink, durable string, logger *slog.Logger) *Bridge {
	if durable == "" {
		durable = DefaultBridgeDurable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		bus:     bus,
		sink:    sink,
		durable: durable,
		logger:  logger,
	}
}

// Name returns the bridge name.
func (b *Bridge) Name() string {
	return "nats-bridge"
}

// Start subscribes to the stream.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return errors.New("bridge already started")
	}

	sub, err := b.bus.Subscribe(b.durable, func(ctx context.Context, evt *domain.Event) error {
		return b.sink.Publish(ctx, []*domain.Event{evt})
	})
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	b.sub = sub

	b.logger.InfoContext(ctx, "nats bridge started", slog.String("consumer", b.durable))
	return nil
}

// Stop drains the subscription. The durable consumer is kept so a restarted
// bridge resumes after the last accepted event.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Stop(); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	b.logger.InfoContext(ctx, "nats bridge stopped", slog.String("consumer", b.durable))
	return nil
}
