package eventsourcing

import (
	"fmt"

	"github.com/plaenen/eventlane/pkg/domain"
	"google.golang.org/protobuf/proto"
)

// Aggregate defines the interface that all aggregates must implement.
// An aggregate owns no durable state: its state is a fold over its own events.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the type name of the aggregate.
	Type() string

	// Version returns the version of the last applied event.
	Version() int64

	// ApplyEvent folds one event into the aggregate's state.
	// It is the only way state changes, both on replay and when handling commands.
	ApplyEvent(event *domain.Event) error

	// UncommittedEvents returns events that have been raised but not yet persisted.
	UncommittedEvents() []*domain.Event

	// ClearUncommittedEvents clears the uncommitted events after they've been persisted.
	ClearUncommittedEvents()

	// SetCommandID sets the command being handled, for deterministic event IDs.
	SetCommandID(commandID string)

	root() *AggregateRoot
}

// AggregateRoot provides base functionality for all aggregates.
// Embed it in aggregate implementations and call Advance from ApplyEvent.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*domain.Event
	commandID         string
}

// NewAggregateRoot creates a new aggregate root with the given ID and type.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*domain.Event {
	return a.uncommittedEvents
}

// ClearUncommittedEvents clears the uncommitted events list.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// SetCommandID sets the command ID for deterministic event ID generation.
func (a *AggregateRoot) SetCommandID(commandID string) {
	a.commandID = commandID
}

// Advance moves the version forward to the version of an applied event.
// It rejects gaps and replays so that a stream can only be folded in order.
func (a *AggregateRoot) Advance(event *domain.Event) error {
	if event.Version != a.version+1 {
		return fmt.Errorf("%w: aggregate %s at version %d cannot apply version %d",
			domain.ErrInvalidVersion, a.id, a.version, event.Version)
	}
	a.version = event.Version
	return nil
}

func (a *AggregateRoot) root() *AggregateRoot {
	return a
}

// Raise creates a new event from payload, applies it through the aggregate's ApplyEvent
// (the same fold used by Rehydrate) and records it as uncommitted.
// If the fold rejects the event nothing is recorded.
func Raise(agg Aggregate, eventType string, payload proto.Message, metadata domain.EventMetadata) error {
	data, err := proto.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	r := agg.root()

	var eventID string
	if r.commandID != "" {
		eventID = domain.GenerateDeterministicEventID(r.commandID, r.id, len(r.uncommittedEvents))
		if metadata.CausationID == "" {
			metadata.CausationID = r.commandID
		}
	} else {
		eventID = domain.GenerateID()
	}

	evt := &domain.Event{
		ID:            eventID,
		AggregateID:   r.id,
		AggregateType: r.aggregateType,
		EventType:     eventType,
		Version:       r.version + 1,
		Timestamp:     domain.Now().UTC(),
		Data:          data,
		Metadata:      metadata,
	}

	if err := agg.ApplyEvent(evt); err != nil {
		return fmt.Errorf("failed to apply %s: %w", eventType, err)
	}

	r.uncommittedEvents = append(r.uncommittedEvents, evt)
	return nil
}

// Rehydrate folds historical events into agg in order.
func Rehydrate(agg Aggregate, events []*domain.Event) error {
	for _, evt := range events {
		if err := agg.ApplyEvent(evt); err != nil {
			return fmt.Errorf("failed to apply event %s (version %d): %w", evt.ID, evt.Version, err)
		}
	}
	return nil
}
