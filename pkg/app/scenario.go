package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventlane/pkg/lane"
	"github.com/plaenen/eventlane/pkg/projection"
)

// Scenario submits a first batch of items, pauses, submits a second batch and
// polls the read model until every item is visible or Wait elapses.
type Scenario struct {
	First        []Submission
	Later        []Submission
	Pause        time.Duration
	Wait         time.Duration
	PollInterval time.Duration
}

// Submission is one item create command of a scenario.
type Submission struct {
	ID   string
	Data string
}

// DefaultScenario is the reference run: with the second delivery stalled, the
// third item must still become visible.
func DefaultScenario() Scenario {
	return Scenario{
		First:        []Submission{{ID: "item-1", Data: "data-1"}, {ID: "item-2", Data: "data-2"}},
		Later:        []Submission{{ID: "item-3", Data: "data-3"}},
		Pause:        8 * time.Second,
		Wait:         20 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// ScenarioReport is the outcome of a scenario run.
type ScenarioReport struct {
	Complete   bool
	Elapsed    time.Duration
	Items      []projection.ItemView
	Processed  int64
	Deliveries int64
	Lane       lane.Stats
}

// RunScenario runs s against a started app.
func (a *App) RunScenario(ctx context.Context, s Scenario) (*ScenarioReport, error) {
	start := time.Now()

	for _, sub := range s.First {
		if err := a.submit(ctx, sub); err != nil {
			return nil, err
		}
	}

	if s.Pause > 0 {
		a.Logger.InfoContext(ctx, "pausing before next submission", slog.Duration("pause", s.Pause))
		select {
		case <-time.After(s.Pause):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, sub := range s.Later {
		if err := a.submit(ctx, sub); err != nil {
			return nil, err
		}
	}

	want := len(s.First) + len(s.Later)
	complete := a.waitForItems(ctx, want, s.Wait, s.PollInterval)

	report := &ScenarioReport{
		Complete:   complete,
		Elapsed:    time.Since(start),
		Items:      a.Projection.Items(),
		Processed:  a.Projection.GetProcessedEventCount(),
		Deliveries: a.Projection.GetDeliveryCount(),
		Lane:       a.Lane.Stats(),
	}
	a.Logger.InfoContext(ctx, "scenario finished",
		slog.Bool("complete", complete),
		slog.Int("items", len(report.Items)),
		slog.Int("expected", want),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (a *App) submit(ctx context.Context, sub Submission) error {
	result, err := a.Items.Submit(ctx, sub.ID, sub.Data)
	if err != nil {
		return fmt.Errorf("submit %s: %w", sub.ID, err)
	}
	a.Logger.InfoContext(ctx, "item submitted",
		slog.String("aggregate_id", sub.ID),
		slog.Int64("version", result.Version),
	)
	return nil
}

func (a *App) waitForItems(ctx context.Context, want int, wait, interval time.Duration) bool {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if a.Projection.GetItemCount() >= want {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return a.Projection.GetItemCount() >= want
		case <-ctx.Done():
			return false
		}
	}
}
