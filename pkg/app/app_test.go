package app_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/eventlane/pkg/app"
	"github.com/plaenen/eventlane/pkg/config"
	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.DiscardHandler)

func load(t *testing.T, environment map[string]string) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(environment)
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, cfg config.Config, opts ...app.Option) *app.App {
	t.Helper()
	ctx := context.Background()
	a, err := app.New(ctx, cfg, append([]app.Option{app.WithLogger(quiet), app.WithoutSignals()}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	return a
}

func TestScenarioRecoversFromStall(t *testing.T) {
	cfg := load(t, map[string]string{
		"EVENTLANE_PROCESSING_TIMEOUT": "100ms",
		"EVENTLANE_RESTART_BACKOFF":    "10ms",
		"EVENTLANE_STOP_GRACE":         "100ms",
	})
	a := start(t, cfg, app.WithProjectionOptions(
		projection.WithStall(projection.EveryNthDelivery(2, time.Minute)),
	))
	defer func() { require.NoError(t, a.Stop(context.Background())) }()

	report, err := a.RunScenario(context.Background(), app.Scenario{
		First:        []app.Submission{{ID: "a1", Data: "x"}, {ID: "a2", Data: "y"}},
		Later:        []app.Submission{{ID: "a3", Data: "z"}},
		Pause:        250 * time.Millisecond,
		Wait:         5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, report.Complete)
	require.Len(t, report.Items, 3)
	for id, want := range map[string]string{"a1": "x", "a2": "y", "a3": "z"} {
		got, ok := a.Projection.GetItem(id)
		require.True(t, ok, id)
		assert.Equal(t, want, got, id)
	}
	assert.Equal(t, int64(3), report.Processed)
	assert.GreaterOrEqual(t, report.Lane.TimedOut, int64(1))
	assert.GreaterOrEqual(t, report.Lane.Restarts, int64(1))
	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestSQLiteRestartRebuildsReadModel(t *testing.T) {
	ctx := context.Background()
	cfg := load(t, map[string]string{
		"EVENTLANE_STORE":      "sqlite",
		"EVENTLANE_SQLITE_DSN": filepath.Join(t.TempDir(), "events.db"),
	})

	first := start(t, cfg)
	_, err := first.Items.Submit(ctx, "a1", "x")
	require.NoError(t, err)
	_, err = first.Items.Submit(ctx, "a2", "y")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Projection.GetItemCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Stop(ctx))

	second := start(t, cfg)
	defer func() { require.NoError(t, second.Stop(ctx)) }()

	require.Eventually(t, func() bool { return second.Projection.GetItemCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err = second.Items.Change(ctx, "a1", "x2")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := second.Projection.GetItem("a1")
		return v == "x2"
	}, 2*time.Second, 5*time.Millisecond)

	_, err = second.Items.Submit(ctx, "a1", "again")
	require.Error(t, err)
}

func TestNATSTransport(t *testing.T) {
	ctx := context.Background()
	cfg := load(t, map[string]string{"EVENTLANE_TRANSPORT": "nats"})

	a := start(t, cfg)
	defer func() { require.NoError(t, a.Stop(ctx)) }()
	require.NotNil(t, a.Transport)

	_, err := a.Items.Submit(ctx, "a1", "over nats")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := a.Projection.GetItem("a1")
		return ok && v == "over nats"
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, a.HealthCheck(ctx))
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfg := load(t, map[string]string{})
	cfg.Store = "postgres"

	_, err := app.New(context.Background(), cfg, app.WithLogger(quiet))
	assert.Error(t, err)
}
