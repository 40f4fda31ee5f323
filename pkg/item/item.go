// Package item implements the Item aggregate: a keyed value that is created once
// and may change afterwards.
package item

import (
	"fmt"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AggregateType is the aggregate type name of items.
const AggregateType = "Item"

// Event types.
const (
	EventCreated = "item.created"
	EventChanged = "item.changed"
)

// Item is the replay-derived state of one item.
type Item struct {
	eventsourcing.AggregateRoot

	created bool
	data    string
	changes int
}

// New returns the zero state of the item with the given ID.
func New(id string) *Item {
	return &Item{AggregateRoot: eventsourcing.NewAggregateRoot(id, AggregateType)}
}

// Exists reports whether the item has been created.
func (i *Item) Exists() bool { return i.created }

// Data returns the current data.
func (i *Item) Data() string { return i.data }

// Changes returns how many times the data changed after creation.
func (i *Item) Changes() int { return i.changes }

// ApplyEvent folds one item event into state.
func (i *Item) ApplyEvent(evt *domain.Event) error {
	var payload wrapperspb.StringValue
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	switch evt.EventType {
	case EventCreated:
		if i.created {
			return fmt.Errorf("%w: item %s created twice", domain.ErrInvalidVersion, i.ID())
		}
		if err := i.Advance(evt); err != nil {
			return err
		}
		i.created = true
	case EventChanged:
		if !i.created {
			return fmt.Errorf("%w: item %s changed before creation", domain.ErrInvalidVersion, i.ID())
		}
		if err := i.Advance(evt); err != nil {
			return err
		}
		i.changes++
	default:
		return fmt.Errorf("unknown item event type %q", evt.EventType)
	}

	i.data = payload.GetValue()
	return nil
}

// Create records the creation of the item.
func (i *Item) Create(data string) error {
	if i.created {
		return domain.Conflict("ITEM_EXISTS", fmt.Sprintf("item %s already exists", i.ID()))
	}
	return eventsourcing.Raise(i, EventCreated, wrapperspb.String(data), domain.EventMetadata{})
}

// Change records new data for an existing item. Unchanged data records nothing.
func (i *Item) Change(data string) error {
	if !i.created {
		return domain.Conflict("ITEM_NOT_FOUND", fmt.Sprintf("item %s does not exist", i.ID()))
	}
	if data == i.data {
		return nil
	}
	return eventsourcing.Raise(i, EventChanged, wrapperspb.String(data), domain.EventMetadata{})
}
