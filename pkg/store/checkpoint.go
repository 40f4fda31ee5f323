package store

import (
	"context"
	"time"
)

// Checkpoint tracks the last event a processing lane has confirmed as applied.
type Checkpoint struct {
	Lane        string
	Position    int64
	LastEventID string
	UpdatedAt   time.Time
}

// CheckpointStore persists lane checkpoints.
type CheckpointStore interface {
	// Save saves a checkpoint.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load loads the checkpoint for a lane.
	// Returns domain.ErrCheckpointNotFound if none was saved.
	Load(ctx context.Context, lane string) (*Checkpoint, error)

	// Delete deletes a checkpoint (for rebuilding).
	Delete(ctx context.Context, lane string) error
}
