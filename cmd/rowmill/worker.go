package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/internal/core"
)

// workerCommandName is matched in PersistentPreRunE to route worker logs
// to stderr before the result protocol claims stdout.
const workerCommandName = "worker"

// workerCmd is the re-exec target for process-isolated imports. The
// coordinator pipes a WorkerSpec to stdin and parses the counter triple
// from stdout; it is hidden because invoking it by hand is never useful.
var workerCmd = &cobra.Command{
	Use:    workerCommandName,
	Short:  "Run one import partition (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorkerCmd,
}

func runWorkerCmd(cmd *cobra.Command, args []string) error {
	spec, err := core.DecodeWorkerSpec(os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := core.RunWorker(ctx, spec, registry)

	// The result is written even after a failure: partial counts are
	// still a valid outcome for the coordinator to merge.
	if err := core.WriteResult(os.Stdout, res); err != nil {
		return err
	}
	return runErr
}
