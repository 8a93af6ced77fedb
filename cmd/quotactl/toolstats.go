package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var toolStatsCmd = &cobra.Command{
	Use:   "tool-stats <tool-id>",
	Short: "Show invocation statistics for a tool",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolStats,
}

func init() {
	rootCmd.AddCommand(toolStatsCmd)
}

func runToolStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	stats, err := b.quota.ToolStats(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to read tool stats: %w", err)
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Tool:          %s\n", stats.ToolID)
	fmt.Fprintf(cmd.OutOrStdout(), "Invocations:   %d\n", stats.Invocations)
	fmt.Fprintf(cmd.OutOrStdout(), "Avg response:  %.1f ms\n", stats.AvgResponseMs)
	if stats.LastInvokedAt.IsZero() {
		fmt.Fprintln(cmd.OutOrStdout(), "Last invoked:  never")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Last invoked:  %s\n", stats.LastInvokedAt.Format(time.RFC3339))
	}
	return nil
}
