package eventsourcing

import (
	"context"
	"fmt"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
)

// Repository loads aggregates by replaying their streams and saves their new events.
type Repository[T Aggregate] struct {
	eventStore store.EventStore
	factory    func(id string) T
}

// NewRepository creates a repository for one aggregate type.
// factory returns the zero state of an aggregate with the given ID.
func NewRepository[T Aggregate](eventStore store.EventStore, factory func(id string) T) *Repository[T] {
	return &Repository[T]{
		eventStore: eventStore,
		factory:    factory,
	}
}

// Load returns the aggregate rehydrated from its full stream.
// An aggregate without events is returned in its zero state.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	events, err := r.eventStore.LoadEvents(ctx, id, 0)
	if err != nil {
		return zero, fmt.Errorf("failed to load events: %w", err)
	}

	agg := r.factory(id)
	if err := Rehydrate(agg, events); err != nil {
		return zero, err
	}
	return agg, nil
}

// Save appends the aggregate's uncommitted events with an optimistic concurrency check
// against the version the aggregate was loaded at. It returns the committed events.
func (r *Repository[T]) Save(ctx context.Context, agg T) ([]*domain.Event, error) {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil, nil
	}

	expectedVersion := agg.Version() - int64(len(events))
	if _, err := r.eventStore.AppendEvents(ctx, agg.ID(), expectedVersion, events); err != nil {
		return nil, fmt.Errorf("failed to append events: %w", err)
	}

	agg.ClearUncommittedEvents()
	return events, nil
}

// Exists reports whether the aggregate has any committed events.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.GetAggregateVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to check aggregate existence: %w", err)
	}
	return version > 0, nil
}
