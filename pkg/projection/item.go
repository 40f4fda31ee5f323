package projection

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/item"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ItemProjectionName is the processing group name of the item read model.
const ItemProjectionName = "item-projection"

type itemProjectionConfig struct {
	name   string
	stall  StallFunc
	logger *slog.Logger
}

// ItemProjectionOption configures an ItemProjection.
type ItemProjectionOption func(*itemProjectionConfig)

// WithName overrides the projection name.
func WithName(name string) ItemProjectionOption {
	return func(c *itemProjectionConfig) {
		c.name = name
	}
}

// WithStall installs a stall function that runs before every apply.
func WithStall(stall StallFunc) ItemProjectionOption {
	return func(c *itemProjectionConfig) {
		c.stall = stall
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ItemProjectionOption {
	return func(c *itemProjectionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ItemProjection is an in-memory read model mapping item IDs to their latest data.
//
// Apply is idempotent: an event whose version is not newer than the last version
// applied for its item is acknowledged without effect. GetProcessedEventCount counts
// distinct applied events; GetDeliveryCount counts every handler invocation.
// All queries are safe to call while the projection is consuming.
type ItemProjection struct {
	config   itemProjectionConfig
	handlers Projection

	mu       sync.RWMutex
	items    map[string]string
	versions map[string]int64

	processed  atomic.Int64
	deliveries atomic.Int64
}

// NewItemProjection creates an empty item read model.
func NewItemProjection(opts ...ItemProjectionOption) *ItemProjection {
	config := itemProjectionConfig{
		name:   ItemProjectionName,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	p := &ItemProjection{
		config:   config,
		items:    make(map[string]string),
		versions: make(map[string]int64),
	}
	p.handlers = NewBuilder(config.name).
		On(item.EventCreated, p.apply).
		On(item.EventChanged, p.apply).
		OnReset(p.reset).
		Build()
	return p
}

// Name returns the projection name.
func (p *ItemProjection) Name() string {
	return p.config.name
}

// Handle applies an item event.
func (p *ItemProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	delivery := p.deliveries.Add(1)

	if p.config.stall != nil {
		if err := p.config.stall(ctx, delivery, envelope); err != nil {
			p.config.logger.DebugContext(ctx, "item projection apply interrupted",
				slog.String("aggregate_id", envelope.AggregateID),
				slog.Int64("version", envelope.Version),
				slog.Int64("delivery", delivery),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	return p.handlers.Handle(ctx, envelope)
}

// Reset clears the read model and both counters.
func (p *ItemProjection) Reset(ctx context.Context) error {
	return p.handlers.Reset(ctx)
}

func (p *ItemProjection) apply(ctx context.Context, envelope *domain.EventEnvelope) error {
	var payload wrapperspb.StringValue
	if err := envelope.Decode(&payload); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The lane may have abandoned this invocation; a late write must not land.
	if err := ctx.Err(); err != nil {
		return err
	}

	if envelope.Version <= p.versions[envelope.AggregateID] {
		return nil
	}

	p.items[envelope.AggregateID] = payload.GetValue()
	p.versions[envelope.AggregateID] = envelope.Version
	p.processed.Add(1)
	return nil
}

func (p *ItemProjection) reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.items = make(map[string]string)
	p.versions = make(map[string]int64)
	p.processed.Store(0)
	p.deliveries.Store(0)
	return nil
}

// GetItem returns the latest data of an item.
func (p *ItemProjection) GetItem(id string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.items[id]
	return v, ok
}

// GetItemCount returns the number of known items.
func (p *ItemProjection) GetItemCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// GetProcessedEventCount returns the number of distinct events applied.
func (p *ItemProjection) GetProcessedEventCount() int64 {
	return p.processed.Load()
}

// GetDeliveryCount returns the number of handler invocations, including
// redeliveries and interrupted attempts.
func (p *ItemProjection) GetDeliveryCount() int64 {
	return p.deliveries.Load()
}

// Version returns the last applied version of an item, 0 if unknown.
func (p *ItemProjection) Version(id string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.versions[id]
}

// Items returns a snapshot of the read model, sorted by item ID.
func (p *ItemProjection) Items() []ItemView {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ItemView, 0, len(p.items))
	for id, data := range p.items {
		out = append(out, ItemView{ID: id, Data: data, Version: p.versions[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ItemView is one row of the item read model.
type ItemView struct {
	ID      string `json:"id"`
	Data    string `json:"data"`
	Version int64  `json:"version"`
}
