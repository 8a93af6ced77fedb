package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/crosslogic/metering/internal/quota"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var usageActionClass string

var usageCmd = &cobra.Command{
	Use:   "usage <principal-id>",
	Short: "Show a principal's window and daily standing",
	Long: `Display the current rate window and calendar-day quota of a principal for
one action class. Nothing is changed.

Examples:
  quotactl usage 6f1c2a9e-3b7d-4e0a-9c55-1d2e3f4a5b6c
  quotactl usage 6f1c2a9e-3b7d-4e0a-9c55-1d2e3f4a5b6c --action-class=auth-attempt`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().StringVar(&usageActionClass, "action-class", quota.ActionAIRequest, "Action class to report")
}

func runUsage(cmd *cobra.Command, args []string) error {
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

	principal, err := b.principals.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get principal: %w", err)
	}
	policy, err := b.plans.Resolve(ctx, principal, usageActionClass)
	if err != nil {
		return err
	}
	usage, err := b.quota.Usage(ctx, principal.ID.String(), usageActionClass, policy)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"principal": principal, "usage": usage})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Principal:\t%s (%s)\n", principal.ID, principal.Email)
	fmt.Fprintf(w, "Plan:\t%s, %s\n", principal.PlanTier, principal.Status)
	fmt.Fprintf(w, "Action class:\t%s\n", usage.ActionClass)
	fmt.Fprintf(w, "Window:\t%d / %d per %s, resets %s\n",
		usage.WindowCount, usage.WindowLimit, policy.Window, usage.WindowResetAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Today (%s):\t%d / %d, resets %s\n",
		usage.Day, usage.DailyCount, usage.DailyLimit, usage.DailyResetAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Lifetime:\t%d\n", usage.LifetimeCount)
	return w.Flush()
}
