package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
)

// CheckpointStore is a SQLite-based implementation of store.CheckpointStore.
//
// The CheckpointStore can use either:
// 1. The same database as EventStore (pass eventStore.DB())
// 2. A separate database (for independent scaling of read models)
type CheckpointStore struct {
	db *sql.DB
}

type checkpointStoreConfig struct {
	autoMigrate bool
}

// CheckpointStoreOption is a function that configures a CheckpointStore.
type CheckpointStoreOption func(*checkpointStoreConfig)

// WithCheckpointAutoMigrate enables automatic migration on startup.
func WithCheckpointAutoMigrate(enabled bool) CheckpointStoreOption {
	return func(c *checkpointStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewCheckpointStore creates a checkpoint store on db. By default it migrates the schema.
func NewCheckpointStore(db *sql.DB, opts ...CheckpointStoreOption) (*CheckpointStore, error) {
	config := checkpointStoreConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}

	if config.autoMigrate {
		if err := runCheckpointMigrations(context.Background(), db); err != nil {
			return nil, fmt.Errorf("failed to run checkpoint migrations: %w", err)
		}
	}

	return &CheckpointStore{db: db}, nil
}

// Save upserts a checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lane_checkpoints (lane, position, last_event_id, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lane) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at_ns = excluded.updated_at_ns`,
		checkpoint.Lane, checkpoint.Position, checkpoint.LastEventID, checkpoint.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load loads the checkpoint for a lane.
func (s *CheckpointStore) Load(ctx context.Context, lane string) (*store.Checkpoint, error) {
	var (
		cp        = store.Checkpoint{Lane: lane}
		updatedNS int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT position, last_event_id, updated_at_ns FROM lane_checkpoints WHERE lane = ?", lane,
	).Scan(&cp.Position, &cp.LastEventID, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lane %s: %w", lane, domain.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return &cp, nil
}

// Delete deletes a checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, lane string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM lane_checkpoints WHERE lane = ?", lane); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
