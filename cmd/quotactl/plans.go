package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/crosslogic/metering/internal/config"
	"github.com/spf13/cobra"
)

var plansFile string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List the limits each plan tier grants",
	Long: `Print the tier table the server enforces. The table comes from PLANS_FILE
or --file, or the built-in defaults when neither is set. No connection is made.`,
	Args: cobra.NoArgs,
	RunE: runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)
	plansCmd.Flags().StringVar(&plansFile, "file", os.Getenv("PLANS_FILE"), "Plans YAML file")
}

func runPlans(cmd *cobra.Command, args []string) error {
	plans, err := config.LoadPlans(plansFile)
	if err != nil {
		return err
	}
	if err := plans.Validate(); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), plans)
	}

	tiers := make([]string, 0, len(plans))
	for tier := range plans {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tACTION CLASS\tWINDOW\tDAILY")
	fmt.Fprintln(w, "----\t------------\t------\t-----")
	for _, tier := range tiers {
		classes := make([]string, 0, len(plans[tier]))
		for class := range plans[tier] {
			classes = append(classes, class)
		}
		sort.Strings(classes)
		for _, class := range classes {
			l := plans[tier][class]
			fmt.Fprintf(w, "%s\t%s\t%d / %s\t%d\n", tier, class, l.WindowLimit, l.Window, l.DailyLimit)
		}
	}
	return w.Flush()
}
