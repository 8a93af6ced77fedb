package main

import (
	"fmt"

	"github.com/crosslogic/metering/internal/quota"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var resetActionClass string

var resetWindowCmd = &cobra.Command{
	Use:   "reset-window <principal-id>",
	Short: "Clear a principal's rate window",
	Long: `Clear the burst window of one action class so the principal may act again
immediately. The daily quota and lifetime counters are not touched.

Examples:
  quotactl reset-window 6f1c2a9e-3b7d-4e0a-9c55-1d2e3f4a5b6c
  quotactl reset-window 6f1c2a9e-3b7d-4e0a-9c55-1d2e3f4a5b6c --action-class=ai-request`,
	Args: cobra.ExactArgs(1),
	RunE: runResetWindow,
}

func init() {
	rootCmd.AddCommand(resetWindowCmd)
	resetWindowCmd.Flags().StringVar(&resetActionClass, "action-class", quota.ActionAIRequest, "Action class to reset")
}

func runResetWindow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid principal ID: %w", err)
	}
	ctx := cmd.Context()

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.quota.ResetWindow(ctx, id.String(), resetActionClass); err != nil {
		return fmt.Errorf("failed to reset window: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %s window for %s\n", resetActionClass, id)
	return nil
}
