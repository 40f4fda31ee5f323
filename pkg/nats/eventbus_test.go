package nats_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/eventsourcing"
	"github.com/plaenen/eventlane/pkg/item"
	"github.com/plaenen/eventlane/pkg/lane"
	natspkg "github.com/plaenen/eventlane/pkg/nats"
	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/plaenen/eventlane/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.DiscardHandler)

func startServer(t *testing.T) *natspkg.EmbeddedServer {
	t.Helper()
	srv, err := natspkg.StartEmbeddedServer(natspkg.WithServerLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func busConfig(srv *natspkg.EmbeddedServer) natspkg.Config {
	config := natspkg.DefaultConfig()
	config.URL = srv.URL()
	config.MaxAge = 5 * time.Minute
	config.MaxBytes = 10 * 1024 * 1024
	return config
}

func openBus(t *testing.T, config natspkg.Config) *natspkg.EventBus {
	t.Helper()
	bus, err := natspkg.NewEventBus(config, natspkg.WithBusLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func startBus(t *testing.T) *natspkg.EventBus {
	t.Helper()
	return openBus(t, busConfig(startServer(t)))
}

func consumerInfo(t *testing.T, srv *natspkg.EmbeddedServer, stream, durable string) *nats.ConsumerInfo {
	t.Helper()
	nc, err := srv.Connect()
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.ConsumerInfo(stream, durable)
	require.NoError(t, err)
	return info
}

func streamInfo(t *testing.T, srv *natspkg.EmbeddedServer, stream string) *nats.StreamInfo {
	t.Helper()
	nc, err := srv.Connect()
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.StreamInfo(stream)
	require.NoError(t, err)
	return info
}

func testEvent(id string, position int64) *domain.Event {
	return &domain.Event{
		ID:            id,
		AggregateID:   "agg-1",
		AggregateType: item.AggregateType,
		EventType:     item.EventCreated,
		Version:       position,
		Position:      position,
		Timestamp:     time.Now().UTC(),
		Data:          []byte("payload"),
		Metadata:      domain.EventMetadata{PrincipalID: "user-1"},
	}
}

func receive(t *testing.T, ch <-chan *domain.Event) *domain.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t)

	received := make(chan *domain.Event, 10)
	sub, err := bus.Subscribe("test", func(ctx context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	sent := testEvent("event-1", 1)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{sent}))

	got := receive(t, received)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.AggregateID, got.AggregateID)
	assert.Equal(t, sent.Position, got.Position)
	assert.Equal(t, sent.Data, got.Data)
	assert.Equal(t, "user-1", got.Metadata.PrincipalID)
	assert.True(t, sent.Timestamp.Equal(got.Timestamp))
}

func TestDuplicatePublishIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t)

	received := make(chan *domain.Event, 10)
	sub, err := bus.Subscribe("dedupe", func(ctx context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	evt := testEvent("event-dup", 1)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{evt}))
	require.NoError(t, bus.Publish(ctx, []*domain.Event{evt}))

	receive(t, received)
	select {
	case <-received:
		t.Fatal("received duplicate event")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHandlerErrorIsRedelivered(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t)

	var attempts atomic.Int32
	received := make(chan *domain.Event, 10)
	sub, err := bus.Subscribe("redeliver", func(ctx context.Context, evt *domain.Event) error {
		if attempts.Add(1) == 1 {
			return errors.New("not yet")
		}
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, bus.Publish(ctx, []*domain.Event{testEvent("event-retry", 1)}))

	assert.Equal(t, "event-retry", receive(t, received).ID)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestDurableConsumerResumes(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t)

	received := make(chan *domain.Event, 10)
	handler := func(ctx context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	}

	sub, err := bus.Subscribe("resume", handler)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{testEvent("first", 1)}))
	assert.Equal(t, "first", receive(t, received).ID)
	require.NoError(t, sub.Stop())

	require.NoError(t, bus.Publish(ctx, []*domain.Event{testEvent("second", 2)}))

	sub, err = bus.Subscribe("resume", handler)
	require.NoError(t, err)
	defer sub.Stop()

	assert.Equal(t, "second", receive(t, received).ID)
}

func TestSubscribeBindsExistingConsumer(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	config := busConfig(srv)

	received := make(chan *domain.Event, 10)
	handler := func(ctx context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	}

	first := openBus(t, config)
	_, err := first.Subscribe("lanes", handler)
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, []*domain.Event{testEvent("before-restart", 1)}))
	assert.Equal(t, "before-restart", receive(t, received).ID)
	require.Eventually(t, func() bool {
		return consumerInfo(t, srv, config.StreamName, "lanes").NumAckPending == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second := openBus(t, config)
	require.NoError(t, second.Publish(ctx, []*domain.Event{testEvent("after-restart", 2)}))
	sub, err := second.Subscribe("lanes", handler)
	require.NoError(t, err)
	defer sub.Stop()

	assert.Equal(t, "after-restart", receive(t, received).ID)
}

func TestDuplicateWindowIsClampedToMaxAge(t *testing.T) {
	srv := startServer(t)
	config := busConfig(srv)
	config.MaxAge = 30 * time.Second
	config.DuplicateWindow = 2 * time.Minute

	openBus(t, config)

	info := streamInfo(t, srv, config.StreamName)
	assert.Equal(t, 30*time.Second, info.Config.MaxAge)
	assert.Equal(t, 30*time.Second, info.Config.Duplicates)
}

func TestExistingStreamIsUpdated(t *testing.T) {
	srv := startServer(t)
	config := busConfig(srv)
	require.NoError(t, openBus(t, config).Close())

	config.StreamSubjects = []string{"events.>", "audit.>"}
	config.DuplicateWindow = time.Minute
	openBus(t, config)

	info := streamInfo(t, srv, config.StreamName)
	assert.Equal(t, []string{"events.>", "audit.>"}, info.Config.Subjects)
	assert.Equal(t, time.Minute, info.Config.Duplicates)
}

func TestSubscribeTwiceFails(t *testing.T) {
	bus := startBus(t)
	noop := func(ctx context.Context, evt *domain.Event) error { return nil }

	sub, err := bus.Subscribe("once", noop)
	require.NoError(t, err)
	defer sub.Stop()

	_, err = bus.Subscribe("once", noop)
	assert.Error(t, err)
}

func TestClosedBus(t *testing.T) {
	bus := startBus(t)
	require.NoError(t, bus.HealthCheck(context.Background()))
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), []*domain.Event{testEvent("late", 1)}), natspkg.ErrBusClosed)
	_, err := bus.Subscribe("late", func(ctx context.Context, evt *domain.Event) error { return nil })
	assert.ErrorIs(t, err, natspkg.ErrBusClosed)
}

func TestDetachedRelay(t *testing.T) {
	relay := natspkg.NewRelay(natspkg.WithRelayLogger(quiet))
	err := relay.Publish(context.Background(), []*domain.Event{testEvent("e", 1)})
	assert.ErrorIs(t, err, natspkg.ErrNotConnected)
}

func TestCommandsReachProjectionOverNATS(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t)

	publisher := lane.NewPublisher(lane.WithPublisherLogger(quiet))
	proj := projection.NewItemProjection()
	_, err := publisher.Register(proj, lane.WithProcessingTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, publisher.Start(ctx))
	t.Cleanup(func() { _ = publisher.Stop(context.Background()) })

	bridge := natspkg.NewBridge(bus, publisher, "", quiet)
	require.NoError(t, bridge.Start(ctx))
	t.Cleanup(func() { _ = bridge.Stop(context.Background()) })
	assert.Error(t, bridge.Start(ctx))

	relay := natspkg.NewRelay(natspkg.WithRelayLogger(quiet))
	relay.Attach(bus)

	svc := item.NewService(memory.NewEventStore(),
		item.WithDispatcherOptions(
			eventsourcing.WithPublisher(relay),
			eventsourcing.WithLogger(quiet),
		),
	)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := svc.Submit(ctx, id, "data-"+id)
		require.NoError(t, err)
	}
	_, err = svc.Change(ctx, "a1", "changed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return proj.GetProcessedEventCount() == 4
	}, 5*time.Second, 10*time.Millisecond)

	v, ok := proj.GetItem("a1")
	require.True(t, ok)
	assert.Equal(t, "changed", v)
	assert.Equal(t, 3, proj.GetItemCount())
}
