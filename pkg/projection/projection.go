// Package projection builds read models from committed events.
package projection

import (
	"context"
	"fmt"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
)

// Projection defines the interface for building read models from events.
// A projection is fed by exactly one lane and owns its read model exclusively.
type Projection interface {
	// Name returns the unique name of this projection.
	Name() string

	// Handle processes an event and updates the read model.
	// Implementations must honor ctx cancellation and must leave the read model
	// untouched when they return an error.
	Handle(ctx context.Context, envelope *domain.EventEnvelope) error

	// Reset clears the read model, e.g. before a rebuild.
	Reset(ctx context.Context) error
}

// DefaultRebuildBatchSize is used by Rebuild when batchSize is not positive.
const DefaultRebuildBatchSize = 1000

// Rebuild resets p and replays the whole event log into it in commit order.
// It returns the position of the last replayed event.
func Rebuild(ctx context.Context, es store.EventStore, p Projection, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatchSize
	}

	if err := p.Reset(ctx); err != nil {
		return 0, fmt.Errorf("failed to reset projection %s: %w", p.Name(), err)
	}

	var position int64
	for {
		events, err := es.LoadAllEvents(ctx, position, batchSize)
		if err != nil {
			return position, fmt.Errorf("failed to load events: %w", err)
		}

		for _, evt := range events {
			envelope := &domain.EventEnvelope{Event: *evt, Attempt: 1}
			if err := p.Handle(ctx, envelope); err != nil {
				return position, fmt.Errorf("failed to handle event %s during rebuild: %w", evt.ID, err)
			}
			position = evt.Position
		}

		if len(events) < batchSize {
			return position, nil
		}
	}
}
