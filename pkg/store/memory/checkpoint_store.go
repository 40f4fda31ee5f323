package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
)

// CheckpointStore is an in-memory store.CheckpointStore.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]store.Checkpoint
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]store.Checkpoint),
	}
}

// Save saves a checkpoint.
func (s *CheckpointStore) Save(_ context.Context, checkpoint *store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.Lane] = *checkpoint
	return nil
}

// Load loads the checkpoint for a lane.
func (s *CheckpointStore) Load(_ context.Context, lane string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[lane]
	if !ok {
		return nil, domain.ErrCheckpointNotFound
	}
	return &cp, nil
}

// Delete deletes a checkpoint.
func (s *CheckpointStore) Delete(_ context.Context, lane string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, lane)
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
