package main

import (
	"fmt"

	"github.com/crosslogic/metering/internal/quota"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay dead-lettered usage commits",
	Long: `Apply every usage commit that exhausted its retries. Commits that were
already applied are skipped, so running this twice is safe.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	retrier := quota.NewCommitRetrier(b.store, b.deadLetter, quota.RetryConfig{
		Timeout: b.cfg.Quota.CommitTimeout,
	}, nil, b.logger)

	report, err := retrier.Replay(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d, duplicates %d, failed %d, remaining %d\n",
		report.Replayed, report.Duplicates, report.Failed, report.Remaining)
	return nil
}
