package domain

import (
	"time"
)

// Command represents an intention to change the state of one aggregate.
// Commands are immutable once created and consumed exactly once by the dispatcher.
type Command struct {
	// ID is the unique identifier for this command
	ID string

	// Type selects the registered handler (e.g., "item.create")
	Type string

	// AggregateID is the ID of the aggregate this command targets
	AggregateID string

	// Data is the opaque command payload
	Data string

	// Metadata carries tracing and principal information
	Metadata CommandMetadata
}

// CommandMetadata contains contextual information about a command.
type CommandMetadata struct {
	// CorrelationID is used to trace related commands and events
	CorrelationID string

	// PrincipalID is the identifier of the principal executing this command
	PrincipalID string

	// Timestamp is when the command was created
	Timestamp time.Time
}

// CommandResult represents the result of processing a command.
type CommandResult struct {
	// CommandID is the ID of the command that was processed
	CommandID string

	// AggregateID is the aggregate the events were appended to
	AggregateID string

	// Version is the aggregate version after the command was committed
	Version int64

	// Events are the events produced and committed by the command
	Events []*Event

	// ProcessedAt is when the events were committed
	ProcessedAt time.Time
}
