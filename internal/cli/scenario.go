package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/eventlane/pkg/app"
	"github.com/plaenen/eventlane/pkg/config"
	"github.com/plaenen/eventlane/pkg/lane"
	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/spf13/cobra"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Timeout   time.Duration
	Stall     time.Duration
	Every     int64
	Pause     time.Duration
	Wait      time.Duration
	Policy    string
	Transport string
}

// ScenarioResult is the JSON output of the scenario command.
type ScenarioResult struct {
	Complete   bool                  `json:"complete"`
	ElapsedMS  int64                 `json:"elapsed_ms"`
	Items      []projection.ItemView `json:"items"`
	Processed  int64                 `json:"processed_events"`
	Deliveries int64                 `json:"deliveries"`
	TimedOut   int64                 `json:"timed_out"`
	Restarts   int64                 `json:"restarts"`
	Skipped    int64                 `json:"skipped"`
	Policy     string                `json:"policy"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}
	defaults := app.DefaultScenario()

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the stalled-projection scenario",
		Long: `Submit two items, pause, submit a third and wait until the item projection
shows all three. Every n-th projection delivery stalls, so the lane has to
time out, restart and carry on for the run to complete.

Exit codes:
  0 - All items became visible
  1 - The wait elapsed before all items were visible
  2 - Command error (invalid flags or configuration)

Examples:
  eventlane scenario
  eventlane scenario --timeout 100ms --stall 1s --pause 200ms --wait 5s
  eventlane scenario --policy skip-to-next --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", lane.DefaultProcessingTimeout, "processing timeout per event, overrides EVENTLANE_PROCESSING_TIMEOUT")
	cmd.Flags().DurationVar(&opts.Stall, "stall", 15*time.Second, "how long a stalled delivery blocks")
	cmd.Flags().Int64Var(&opts.Every, "every", 2, "stall every n-th delivery (0 disables)")
	cmd.Flags().DurationVar(&opts.Pause, "pause", defaults.Pause, "pause before the last submission")
	cmd.Flags().DurationVar(&opts.Wait, "wait", defaults.Wait, "how long to wait for all items")
	cmd.Flags().StringVar(&opts.Policy, "policy", string(lane.RetrySameEvent), "restart policy (retry-same-event|skip-to-next), overrides EVENTLANE_RESTART_POLICY")
	cmd.Flags().StringVar(&opts.Transport, "transport", config.TransportDirect, "event transport (direct|nats), overrides EVENTLANE_TRANSPORT")

	return cmd
}

func runScenario(opts *ScenarioOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Lane.ProcessingTimeout = opts.Timeout
	}
	if flags.Changed("policy") {
		policy, err := lane.ParseRestartPolicy(opts.Policy)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid policy", err)
		}
		cfg.Lane.RestartPolicy = policy
	}
	if flags.Changed("transport") {
		cfg.Transport = opts.Transport
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger, err := opts.logger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var projectionOpts []projection.ItemProjectionOption
	if opts.Every > 0 && opts.Stall > 0 {
		projectionOpts = append(projectionOpts, projection.WithStall(projection.EveryNthDelivery(opts.Every, opts.Stall)))
	}

	a, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithProjectionOptions(projectionOpts...),
		app.WithoutSignals(),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build app", err)
	}
	if err := a.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}

	scenario := app.DefaultScenario()
	scenario.Pause = opts.Pause
	scenario.Wait = opts.Wait

	report, runErr := a.RunScenario(ctx, scenario)
	stopErr := a.Stop(context.WithoutCancel(ctx))
	if runErr != nil {
		return WrapExitError(ExitFailure, "scenario failed", runErr)
	}
	if stopErr != nil {
		logger.Warn("shutdown reported errors", "error", stopErr)
	}

	result := ScenarioResult{
		Complete:   report.Complete,
		ElapsedMS:  report.Elapsed.Milliseconds(),
		Items:      report.Items,
		Processed:  report.Processed,
		Deliveries: report.Deliveries,
		TimedOut:   report.Lane.TimedOut,
		Restarts:   report.Lane.Restarts,
		Skipped:    report.Lane.Skipped,
		Policy:     cfg.Lane.RestartPolicy.String(),
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		if err := writeItems(out, result.Items); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nprocessed=%d deliveries=%d timed_out=%d restarts=%d skipped=%d elapsed=%s\n",
			result.Processed, result.Deliveries, result.TimedOut, result.Restarts, result.Skipped, report.Elapsed.Round(time.Millisecond))
	}

	if !report.Complete {
		return NewExitError(ExitFailure, fmt.Sprintf("only %d of %d items visible after %s",
			len(report.Items), len(scenario.First)+len(scenario.Later), scenario.Wait))
	}
	return nil
}
