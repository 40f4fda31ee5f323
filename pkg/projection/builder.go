package projection

import (
	"context"

	"github.com/plaenen/eventlane/pkg/domain"
)

// HandlerFunc applies one event type to a read model.
type HandlerFunc func(ctx context.Context, envelope *domain.EventEnvelope) error

// Builder assembles a projection from an explicit table of event handlers.
//
// Example:
//
//	p := projection.NewBuilder("item-names").
//	    On(item.EventCreated, onCreated).
//	    On(item.EventChanged, onChanged).
//	    OnReset(reset).
//	    Build()
type Builder struct {
	name      string
	handlers  map[string]HandlerFunc
	resetFunc func(context.Context) error
}

// NewBuilder creates a builder for a projection called name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		handlers: make(map[string]HandlerFunc),
	}
}

// On registers the handler for an event type, replacing any previous one.
func (b *Builder) On(eventType string, handler HandlerFunc) *Builder {
	b.handlers[eventType] = handler
	return b
}

// OnReset registers a function to reset the projection state.
func (b *Builder) OnReset(resetFunc func(context.Context) error) *Builder {
	b.resetFunc = resetFunc
	return b
}

// Build returns the projection. Later changes to the builder do not affect it.
func (b *Builder) Build() Projection {
	handlers := make(map[string]HandlerFunc, len(b.handlers))
	for eventType, h := range b.handlers {
		handlers[eventType] = h
	}
	return &tableProjection{
		name:      b.name,
		handlers:  handlers,
		resetFunc: b.resetFunc,
	}
}

type tableProjection struct {
	name      string
	handlers  map[string]HandlerFunc
	resetFunc func(context.Context) error
}

func (p *tableProjection) Name() string {
	return p.name
}

// Handle dispatches to the registered handler. Unknown event types are ignored.
func (p *tableProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	handler, exists := p.handlers[envelope.EventType]
	if !exists {
		return nil
	}
	return handler(ctx, envelope)
}

func (p *tableProjection) Reset(ctx context.Context) error {
	if p.resetFunc == nil {
		return nil
	}
	return p.resetFunc(ctx)
}
