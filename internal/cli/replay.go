package cli

import (
	"context"

	"github.com/plaenen/eventlane/pkg/projection"
	"github.com/plaenen/eventlane/pkg/sqlite"
	"github.com/spf13/cobra"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	BatchSize int
}

// ReplayResult is the JSON output of the replay command.
type ReplayResult struct {
	Position  int64                 `json:"position"`
	Processed int64                 `json:"processed_events"`
	Items     []projection.ItemView `json:"items"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the item projection from a SQLite event log",
		Long: `Replay every event in a SQLite event log into a fresh item projection and
print the resulting read model.

Examples:
  eventlane replay --db ./eventlane.db
  eventlane replay --db ./eventlane.db --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", projection.DefaultRebuildBatchSize, "events loaded per page")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	es, err := sqlite.NewEventStore(sqlite.WithDSN(opts.Database))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer es.Close()

	proj := projection.NewItemProjection()
	position, err := projection.Rebuild(ctx, es, proj, opts.BatchSize)
	if err != nil {
		return WrapExitError(ExitFailure, "replay failed", err)
	}

	result := ReplayResult{
		Position:  position,
		Processed: proj.GetProcessedEventCount(),
		Items:     proj.Items(),
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	return writeItems(cmd.OutOrStdout(), result.Items)
}
