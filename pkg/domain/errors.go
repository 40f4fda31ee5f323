package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommand is returned when command fields fail validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrAggregateStateConflict is returned when a command is not valid for the
	// aggregate's current lifecycle state (e.g. duplicate creation).
	ErrAggregateStateConflict = errors.New("aggregate state conflict")

	// ErrConcurrencyConflict is returned when there's an optimistic concurrency conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrTimeout is returned when a command could not be dispatched before its deadline.
	ErrTimeout = errors.New("command dispatch timed out")

	// ErrProjectionTimeout is reported on a lane when a handler exceeds its time budget.
	ErrProjectionTimeout = errors.New("projection handler timed out")

	// ErrInterruptedDuringApply is reported on a lane when an apply was cancelled or failed mid-event.
	ErrInterruptedDuringApply = errors.New("projection interrupted during apply")

	// ErrCommandNotFound is returned when no handler is registered for a command type.
	ErrCommandNotFound = fmt.Errorf("%w: command handler not found", ErrInvalidCommand)

	// ErrInvalidVersion is returned when event versions are not contiguous.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrCheckpointNotFound is returned when a lane has no stored checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CommandError describes why a command was rejected.
type CommandError struct {
	// Kind is the sentinel this error matches (ErrInvalidCommand or ErrAggregateStateConflict)
	Kind error

	// Code is a stable machine readable rejection code
	Code string

	// Field names the offending command field, if any
	Field string

	// Message is the human readable reason
	Message string
}

func (e *CommandError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: %s (%s): %s", e.Kind, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *CommandError) Is(target error) bool {
	return target == e.Kind
}

// Invalid returns a CommandError classified as ErrInvalidCommand.
func Invalid(code, field, message string) error {
	return &CommandError{Kind: ErrInvalidCommand, Code: code, Field: field, Message: message}
}

// Conflict returns a CommandError classified as ErrAggregateStateConflict.
func Conflict(code, message string) error {
	return &CommandError{Kind: ErrAggregateStateConflict, Code: code, Message: message}
}
