package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs a crawl worker",
		Long: `Finds the dispatcher through the directory, leases batches of jobs,
fetches them from the Vine API and reports the results. The batch size
grows while jobs finish quickly.`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Worker().Run(ctx)
	return nil
}
