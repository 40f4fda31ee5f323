package main

import (
	"context"
	"fmt"
	"os"

	"github.com/plaenen/eventlane/internal/cli"
	"github.com/plaenen/eventlane/pkg/runner"
)

func main() {
	ctx, stop := runner.NotifyContext(context.Background())
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
