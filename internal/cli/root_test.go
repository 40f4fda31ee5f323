package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plaenen/eventlane/internal/cli"
	"github.com/plaenen/eventlane/pkg/item"
	"github.com/plaenen/eventlane/pkg/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := cli.NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := cli.NewRootCommand()

	for _, name := range []string{"scenario", "replay", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("format"))
}

func TestScenarioFlags(t *testing.T) {
	cmd := cli.NewRootCommand()
	sub, _, err := cmd.Find([]string{"scenario"})
	require.NoError(t, err)

	for _, flag := range []string{"timeout", "stall", "every", "pause", "wait", "policy", "transport"} {
		assert.NotNil(t, sub.Flags().Lookup(flag), flag)
	}
	assert.Equal(t, "5s", sub.Flags().Lookup("timeout").DefValue)
	assert.Equal(t, "15s", sub.Flags().Lookup("stall").DefValue)
	assert.Equal(t, "8s", sub.Flags().Lookup("pause").DefValue)
	assert.Equal(t, "20s", sub.Flags().Lookup("wait").DefValue)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "eventlane "+cli.Version))

	out, _, err = execute(t, "version", "--format", "json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, cli.Version, v["version"])
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "version", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestInvalidLogLevel(t *testing.T) {
	_, _, err := execute(t, "version", "--log-level", "loud")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestScenarioInvalidPolicy(t *testing.T) {
	_, _, err := execute(t, "scenario", "--policy", "give-up")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestScenarioCompletesWithStall(t *testing.T) {
	out, _, err := execute(t, "scenario",
		"--format", "json",
		"--timeout", "100ms",
		"--stall", "2s",
		"--pause", "300ms",
		"--wait", "5s",
	)
	require.NoError(t, err)

	var result cli.ScenarioResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Complete)
	assert.Len(t, result.Items, 3)
	assert.Equal(t, int64(3), result.Processed)
	assert.GreaterOrEqual(t, result.TimedOut, int64(1))
	assert.Equal(t, "retry-same-event", result.Policy)
}

func TestScenarioIncompleteExitsWithFailure(t *testing.T) {
	_, _, err := execute(t, "scenario",
		"--timeout", "5s",
		"--stall", "3s",
		"--pause", "0s",
		"--wait", "200ms",
	)
	require.Error(t, err)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func TestReplayRequiresDatabase(t *testing.T) {
	_, _, err := execute(t, "replay")
	require.Error(t, err)
}

func TestReplayRebuildsItems(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "events.db")

	es, err := sqlite.NewEventStore(sqlite.WithDSN(dsn))
	require.NoError(t, err)
	svc := item.NewService(es)
	_, err = svc.Submit(ctx, "a", "first")
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "b", "second")
	require.NoError(t, err)
	_, err = svc.Change(ctx, "a", "changed")
	require.NoError(t, err)
	require.NoError(t, es.Close())

	out, _, err := execute(t, "replay", "--db", dsn, "--format", "json")
	require.NoError(t, err)

	var result cli.ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, int64(3), result.Position)
	assert.Equal(t, int64(3), result.Processed)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "a", result.Items[0].ID)
	assert.Equal(t, "changed", result.Items[0].Data)
	assert.Equal(t, int64(2), result.Items[0].Version)

	out, _, err = execute(t, "replay", "--db", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "changed")
}
