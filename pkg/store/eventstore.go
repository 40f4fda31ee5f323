package store

import (
	"context"

	"github.com/plaenen/eventlane/pkg/domain"
)

// AnyVersion disables the optimistic concurrency check on append.
const AnyVersion int64 = -1

// EventStore is the append-only event log. It is the source of truth for every aggregate.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically.
	// The events must carry contiguous versions starting at expectedVersion+1.
	// Returns domain.ErrConcurrencyConflict if expectedVersion doesn't match the current head,
	// unless expectedVersion is AnyVersion.
	// On success the store assigns Position on every passed event and returns the new head.
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) (int64, error)

	// LoadEvents loads the events of an aggregate with a version greater than afterVersion,
	// in version order.
	LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error)

	// LoadAllEvents loads up to limit events from all aggregates with a position greater
	// than afterPosition, in commit order.
	LoadAllEvents(ctx context.Context, afterPosition int64, limit int) ([]*domain.Event, error)

	// GetAggregateVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// Close closes the event store and releases resources.
	Close() error
}

// CheckBatch validates that events form a contiguous run for aggregateID starting after head.
func CheckBatch(aggregateID string, head int64, events []*domain.Event) error {
	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return domain.ErrInvalidVersion
		}
		if evt.Version != head+int64(i)+1 {
			return domain.ErrInvalidVersion
		}
	}
	return nil
}
