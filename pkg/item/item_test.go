package item_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/item"
	"github.com/plaenen/eventlane/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCreatesItem(t *testing.T) {
	ctx := context.Background()
	es := memory.NewEventStore()
	svc := item.NewService(es)

	result, err := svc.Submit(ctx, "a1", "x")
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, item.EventCreated, result.Events[0].EventType)
	assert.Equal(t, item.AggregateType, result.Events[0].AggregateType)
	assert.Equal(t, result.CommandID, result.Events[0].Metadata.CausationID)

	it, err := svc.Load(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, it.Exists())
	assert.Equal(t, "x", it.Data())
	assert.Equal(t, int64(1), it.Version())
}

func TestDuplicateCreationIsStateConflict(t *testing.T) {
	ctx := context.Background()
	es := memory.NewEventStore()
	svc := item.NewService(es)

	_, err := svc.Submit(ctx, "a1", "x")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "a1", "y")
	require.ErrorIs(t, err, domain.ErrAggregateStateConflict)

	var cmdErr *domain.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "ITEM_EXISTS", cmdErr.Code)

	version, err := es.GetAggregateVersion(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestChange(t *testing.T) {
	ctx := context.Background()
	svc := item.NewService(memory.NewEventStore())

	_, err := svc.Change(ctx, "a1", "x")
	require.ErrorIs(t, err, domain.ErrAggregateStateConflict)

	_, err = svc.Submit(ctx, "a1", "x")
	require.NoError(t, err)

	result, err := svc.Change(ctx, "a1", "y")
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, item.EventChanged, result.Events[0].EventType)
	assert.Equal(t, int64(2), result.Version)

	result, err = svc.Change(ctx, "a1", "y")
	require.NoError(t, err)
	assert.Empty(t, result.Events)

	it, err := svc.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "y", it.Data())
	assert.Equal(t, 1, it.Changes())
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	es := memory.NewEventStore()
	svc := item.NewService(es)

	tests := []struct {
		name string
		id   string
		data string
		code string
	}{
		{"empty id", "", "x", "ID_REQUIRED"},
		{"blank id", "   ", "x", "ID_REQUIRED"},
		{"non printable id", "a\tb", "x", "ID_INVALID"},
		{"non ascii id", "café", "x", "ID_INVALID"},
		{"long id", strings.Repeat("a", item.MaxIDLength+1), "x", "ID_TOO_LONG"},
		{"long data", "a1", strings.Repeat("x", item.MaxDataLength+1), "DATA_TOO_LONG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.id, tt.data)
			require.ErrorIs(t, err, domain.ErrInvalidCommand)

			var cmdErr *domain.CommandError
			require.True(t, errors.As(err, &cmdErr))
			assert.Equal(t, tt.code, cmdErr.Code)
		})
	}

	all, err := es.LoadAllEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = svc.Submit(ctx, strings.Repeat("a", item.MaxIDLength), strings.Repeat("x", item.MaxDataLength))
	assert.NoError(t, err)
}

func TestReplayMatchesLiveStateForEveryPrefix(t *testing.T) {
	live := item.New("a1")
	live.SetCommandID("cmd-1")
	require.NoError(t, live.Create("v0"))
	require.NoError(t, live.Change("v1"))
	require.NoError(t, live.Change("v1"))
	require.NoError(t, live.Change("v2"))

	events := live.UncommittedEvents()
	require.Len(t, events, 3)

	type snapshot struct {
		exists  bool
		data    string
		changes int
		version int64
	}
	// Live state after each raised event.
	want := []snapshot{
		{false, "", 0, 0},
		{true, "v0", 0, 1},
		{true, "v1", 1, 2},
		{true, "v2", 2, 3},
	}

	for n := 0; n <= len(events); n++ {
		replayed := item.New("a1")
		require.NoError(t, eventsourcing.Rehydrate(replayed, events[:n]))
		got := snapshot{replayed.Exists(), replayed.Data(), replayed.Changes(), replayed.Version()}
		assert.Equal(t, want[n], got, "prefix %d", n)
	}

	final := snapshot{live.Exists(), live.Data(), live.Changes(), live.Version()}
	assert.Equal(t, want[len(events)], final)
}

func TestApplyRejectsInvalidHistory(t *testing.T) {
	src := item.New("a1")
	require.NoError(t, src.Create("x"))
	created := src.UncommittedEvents()[0]

	it := item.New("a1")
	require.NoError(t, it.ApplyEvent(created))

	dup := created.Clone()
	dup.Version = 2
	assert.ErrorIs(t, it.ApplyEvent(dup), domain.ErrInvalidVersion)

	changed := created.Clone()
	changed.EventType = item.EventChanged
	fresh := item.New("a1")
	assert.ErrorIs(t, fresh.ApplyEvent(changed), domain.ErrInvalidVersion)

	unknown := created.Clone()
	unknown.EventType = "item.deleted"
	assert.Error(t, item.New("a1").ApplyEvent(unknown))
}
