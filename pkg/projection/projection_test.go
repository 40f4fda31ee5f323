package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/item"
	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/plaenen/eventlane/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func envelope(t *testing.T, eventType, id string, version int64, data string) *domain.EventEnvelope {
	t.Helper()
	payload, err := proto.Marshal(wrapperspb.String(data))
	require.NoError(t, err)
	return &domain.EventEnvelope{
		Event: domain.Event{
			ID:          domain.GenerateDeterministicEventID("cmd", id, int(version)),
			AggregateID: id,
			EventType:   eventType,
			Version:     version,
			Data:        payload,
		},
		Attempt: 1,
	}
}

func TestEmptyProjection(t *testing.T) {
	p := projection.NewItemProjection()

	assert.Equal(t, projection.ItemProjectionName, p.Name())
	assert.Zero(t, p.GetItemCount())
	assert.Zero(t, p.GetProcessedEventCount())
	_, ok := p.GetItem("a1")
	assert.False(t, ok)
	assert.Empty(t, p.Items())
}

func TestItemProjectionApplies(t *testing.T) {
	ctx := context.Background()
	p := projection.NewItemProjection()

	require.NoError(t, p.Handle(ctx, envelope(t, item.EventCreated, "a1", 1, "x")))
	require.NoError(t, p.Handle(ctx, envelope(t, item.EventCreated, "a2", 1, "y")))
	require.NoError(t, p.Handle(ctx, envelope(t, item.EventChanged, "a1", 2, "x2")))

	v, ok := p.GetItem("a1")
	require.True(t, ok)
	assert.Equal(t, "x2", v)
	assert.Equal(t, 2, p.GetItemCount())
	assert.Equal(t, int64(3), p.GetProcessedEventCount())
	assert.Equal(t, int64(2), p.Version("a1"))
	assert.Equal(t, []projection.ItemView{
		{ID: "a1", Data: "x2", Version: 2},
		{ID: "a2", Data: "y", Version: 1},
	}, p.Items())
}

func TestItemProjectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := projection.NewItemProjection()

	created := envelope(t, item.EventCreated, "a1", 1, "x")
	changed := envelope(t, item.EventChanged, "a1", 2, "y")

	require.NoError(t, p.Handle(ctx, created))
	require.NoError(t, p.Handle(ctx, changed))
	require.NoError(t, p.Handle(ctx, created))
	require.NoError(t, p.Handle(ctx, changed))

	v, _ := p.GetItem("a1")
	assert.Equal(t, "y", v)
	assert.Equal(t, int64(2), p.GetProcessedEventCount())
	assert.Equal(t, int64(4), p.GetDeliveryCount())
}

func TestItemProjectionIgnoresUnknownEvents(t *testing.T) {
	p := projection.NewItemProjection()
	require.NoError(t, p.Handle(context.Background(), envelope(t, "other.event", "a1", 1, "x")))
	assert.Zero(t, p.GetItemCount())
	assert.Equal(t, int64(1), p.GetDeliveryCount())
}

func TestCancelledApplyWritesNothing(t *testing.T) {
	p := projection.NewItemProjection()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Handle(ctx, envelope(t, item.EventCreated, "a1", 1, "x"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.GetItemCount())
	assert.Zero(t, p.GetProcessedEventCount())
	assert.Equal(t, int64(1), p.GetDeliveryCount())
}

func TestEveryNthDeliveryStalls(t *testing.T) {
	p := projection.NewItemProjection(projection.WithStall(projection.EveryNthDelivery(2, time.Hour)))

	require.NoError(t, p.Handle(context.Background(), envelope(t, item.EventCreated, "a1", 1, "x")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Handle(ctx, envelope(t, item.EventCreated, "a2", 1, "y"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := p.GetItem("a2")
	assert.False(t, ok)

	// Third delivery, a redelivery of a2, goes through.
	require.NoError(t, p.Handle(context.Background(), envelope(t, item.EventCreated, "a2", 1, "y")))
	v, ok := p.GetItem("a2")
	require.True(t, ok)
	assert.Equal(t, "y", v)
	assert.Equal(t, int64(2), p.GetProcessedEventCount())
	assert.Equal(t, int64(3), p.GetDeliveryCount())
}

func TestStallOnce(t *testing.T) {
	stall := projection.StallOnce("a2", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.NoError(t, stall(ctx, 1, envelope(t, item.EventCreated, "a1", 1, "x")))
	assert.ErrorIs(t, stall(ctx, 2, envelope(t, item.EventCreated, "a2", 1, "y")), context.DeadlineExceeded)
	assert.NoError(t, stall(context.Background(), 3, envelope(t, item.EventCreated, "a2", 1, "y")))
}

func TestBuilderDispatchesByEventType(t *testing.T) {
	var seen []string
	resets := 0
	p := projection.NewBuilder("names").
		On("a", func(ctx context.Context, env *domain.EventEnvelope) error {
			seen = append(seen, "a:"+env.AggregateID)
			return nil
		}).
		OnReset(func(ctx context.Context) error {
			resets++
			return nil
		}).
		Build()

	ctx := context.Background()
	require.NoError(t, p.Handle(ctx, envelope(t, "a", "1", 1, "")))
	require.NoError(t, p.Handle(ctx, envelope(t, "b", "2", 1, "")))
	require.NoError(t, p.Reset(ctx))

	assert.Equal(t, "names", p.Name())
	assert.Equal(t, []string{"a:1"}, seen)
	assert.Equal(t, 1, resets)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	es := memory.NewEventStore()
	svc := item.NewService(es)

	_, err := svc.Submit(ctx, "a1", "x")
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "a2", "y")
	require.NoError(t, err)
	_, err = svc.Change(ctx, "a1", "x2")
	require.NoError(t, err)

	p := projection.NewItemProjection()
	require.NoError(t, p.Handle(ctx, envelope(t, item.EventCreated, "stale", 1, "gone")))

	position, err := projection.Rebuild(ctx, es, p, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), position)

	_, ok := p.GetItem("stale")
	assert.False(t, ok)
	v, _ := p.GetItem("a1")
	assert.Equal(t, "x2", v)
	assert.Equal(t, 2, p.GetItemCount())
	assert.Equal(t, int64(3), p.GetProcessedEventCount())
}
