// Package storetest holds behavioural tests shared by every store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewEvent builds a test event for aggregateID at version.
func NewEvent(aggregateID string, version int64, data string) *domain.Event {
	return &domain.Event{
		ID:            fmt.Sprintf("%s-%d", aggregateID, version),
		AggregateID:   aggregateID,
		AggregateType: "Item",
		EventType:     "test.happened",
		Version:       version,
		Timestamp:     time.Unix(1700000000, int64(version)).UTC(),
		Data:          []byte(data),
		Metadata: domain.EventMetadata{
			CausationID: "cmd-" + aggregateID,
			Custom:      map[string]string{"k": "v"},
		},
	}
}

// RunEventStoreTests exercises the store.EventStore contract against a fresh store per subtest.
func RunEventStoreTests(t *testing.T, newStore func(t *testing.T) store.EventStore) {
	ctx := context.Background()

	t.Run("AppendAndLoad", func(t *testing.T) {
		s := newStore(t)

		head, err := s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 1, "x"), NewEvent("a1", 2, "y")})
		require.NoError(t, err)
		assert.Equal(t, int64(2), head)

		loaded, err := s.LoadEvents(ctx, "a1", 0)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, "a1-1", loaded[0].ID)
		assert.Equal(t, int64(1), loaded[0].Version)
		assert.Equal(t, "x", string(loaded[0].Data))
		assert.Equal(t, "cmd-a1", loaded[0].Metadata.CausationID)
		assert.Equal(t, "v", loaded[0].Metadata.Custom["k"])
		assert.True(t, loaded[0].Timestamp.Equal(NewEvent("a1", 1, "x").Timestamp))
		assert.Equal(t, int64(2), loaded[1].Version)

		again, err := s.LoadEvents(ctx, "a1", 0)
		require.NoError(t, err)
		assert.Equal(t, loaded, again, "replay must be repeatable")

		tail, err := s.LoadEvents(ctx, "a1", 1)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, int64(2), tail[0].Version)
	})

	t.Run("AssignsPositionsInCommitOrder", func(t *testing.T) {
		s := newStore(t)

		first := []*domain.Event{NewEvent("a1", 1, "x")}
		second := []*domain.Event{NewEvent("a2", 1, "y"), NewEvent("a2", 2, "z")}

		_, err := s.AppendEvents(ctx, "a1", 0, first)
		require.NoError(t, err)
		_, err = s.AppendEvents(ctx, "a2", 0, second)
		require.NoError(t, err)

		assert.Equal(t, int64(1), first[0].Position)
		assert.Equal(t, int64(2), second[0].Position)
		assert.Equal(t, int64(3), second[1].Position)

		all, err := s.LoadAllEvents(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, evt := range all {
			assert.Equal(t, int64(i+1), evt.Position)
		}

		page, err := s.LoadAllEvents(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "a2-1", page[0].ID)
	})

	t.Run("ConcurrencyConflict", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 1, "x")})
		require.NoError(t, err)

		_, err = s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 1, "dup")})
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

		loaded, err := s.LoadEvents(ctx, "a1", 0)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "x", string(loaded[0].Data))
	})

	t.Run("AnyVersionSkipsCheck", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 1, "x")})
		require.NoError(t, err)

		head, err := s.AppendEvents(ctx, "a1", store.AnyVersion, []*domain.Event{NewEvent("a1", 2, "y")})
		require.NoError(t, err)
		assert.Equal(t, int64(2), head)
	})

	t.Run("RejectsVersionGap", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 2, "x")})
		assert.ErrorIs(t, err, domain.ErrInvalidVersion)

		version, err := s.GetAggregateVersion(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), version)
	})

	t.Run("BatchIsAtomic", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 1, "x"), NewEvent("a1", 3, "gap")})
		assert.Error(t, err)

		loaded, err := s.LoadEvents(ctx, "a1", 0)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("EmptyStore", func(t *testing.T) {
		s := newStore(t)

		version, err := s.GetAggregateVersion(ctx, "missing")
		require.NoError(t, err)
		assert.Equal(t, int64(0), version)

		loaded, err := s.LoadEvents(ctx, "missing", 0)
		require.NoError(t, err)
		assert.Empty(t, loaded)

		all, err := s.LoadAllEvents(ctx, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("LoadedEventsAreCopies", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AppendEvents(ctx, "a1", 0, []*domain.Event{NewEvent("a1", 1, "x")})
		require.NoError(t, err)

		loaded, err := s.LoadEvents(ctx, "a1", 0)
		require.NoError(t, err)
		loaded[0].Data[0] = 'z'

		reloaded, err := s.LoadEvents(ctx, "a1", 0)
		require.NoError(t, err)
		assert.Equal(t, "x", string(reloaded[0].Data))
	})

	t.Run("ConcurrentWritersSameAggregate", func(t *testing.T) {
		s := newStore(t)

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendEvents(ctx, "hot", 0, []*domain.Event{NewEvent("hot", 1, fmt.Sprint(i))})
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		}
		assert.Equal(t, 1, succeeded)
	})
}

// RunCheckpointStoreTests exercises the store.CheckpointStore contract.
func RunCheckpointStoreTests(t *testing.T, newStore func(t *testing.T) store.CheckpointStore) {
	ctx := context.Background()

	t.Run("SaveLoadDelete", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Load(ctx, "lane-1")
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)

		updated := time.Unix(1700000000, 0).UTC()
		require.NoError(t, s.Save(ctx, &store.Checkpoint{Lane: "lane-1", Position: 4, LastEventID: "e4", UpdatedAt: updated}))
		require.NoError(t, s.Save(ctx, &store.Checkpoint{Lane: "lane-1", Position: 7, LastEventID: "e7", UpdatedAt: updated}))

		cp, err := s.Load(ctx, "lane-1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), cp.Position)
		assert.Equal(t, "e7", cp.LastEventID)
		assert.True(t, cp.UpdatedAt.Equal(updated))

		require.NoError(t, s.Delete(ctx, "lane-1"))
		_, err = s.Load(ctx, "lane-1")
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
	})
}
