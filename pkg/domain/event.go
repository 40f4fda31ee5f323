package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
)

// Event represents a domain event that has been, or is about to be, committed to the log.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event (deterministic per command)
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string

	// AggregateType is the type name of the aggregate (e.g., "Item")
	AggregateType string

	// EventType is the type name of the event (e.g., "item.created")
	EventType string

	// Version is the sequence number of the event within its aggregate stream.
	// It equals the aggregate version after applying this event.
	Version int64

	// Position is the global commit position, assigned by the event store at append time.
	// Zero until the event has been appended.
	Position int64

	// Timestamp is when the event was raised
	Timestamp time.Time

	// Data is the serialized protobuf payload of the event
	Data []byte

	// Metadata contains additional contextual information
	Metadata EventMetadata
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:",omitempty"`

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string `json:",omitempty"`

	// PrincipalID identifies who triggered the event
	PrincipalID string `json:",omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:",omitempty"`
}

// Clone returns a deep copy of the event. Stores hand out clones so that
// committed events can never be mutated by callers.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(e.Metadata.Custom))
		for k, v := range e.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	return &c
}

// EventEnvelope wraps an event with its lane delivery context.
type EventEnvelope struct {
	Event

	// Attempt is the 1-based delivery attempt of this event on the consuming lane.
	Attempt int
}

// Decode unmarshals the event payload into msg.
func (e *Event) Decode(msg proto.Message) error {
	if err := proto.Unmarshal(e.Data, msg); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// GenerateDeterministicEventID generates a deterministic event ID from command context.
// The same command always produces the same event IDs.
func GenerateDeterministicEventID(commandID, aggregateID string, sequence int) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, sequence)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
