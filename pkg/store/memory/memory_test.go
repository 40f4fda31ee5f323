package memory_test

import (
	"context"
	"testing"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
	"github.com/plaenen/eventlane/pkg/store/memory"
	"github.com/plaenen/eventlane/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStore(t *testing.T) {
	storetest.RunEventStoreTests(t, func(t *testing.T) store.EventStore {
		return memory.NewEventStore()
	})
}

func TestCheckpointStore(t *testing.T) {
	storetest.RunCheckpointStoreTests(t, func(t *testing.T) store.CheckpointStore {
		return memory.NewCheckpointStore()
	})
}

func TestEventStoreClosed(t *testing.T) {
	s := memory.NewEventStore()
	require.NoError(t, s.Close())

	_, err := s.AppendEvents(context.Background(), "a1", 0, []*domain.Event{storetest.NewEvent("a1", 1, "x")})
	assert.Error(t, err)
}
