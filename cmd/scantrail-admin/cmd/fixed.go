package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/scantrail/api/internal/app"
	"github.com/scantrail/api/pkg/domain/finding"
)

var fixedCmd = &cobra.Command{
	Use:   "fixed",
	Short: "List remediated findings",
	Long: `List findings that disappeared from the live snapshot, with the date
they were found fixed and how many days they were active, plus summary
aggregates over the whole filtered set.`,
	RunE: runFixed,
}

func init() {
	fixedCmd.Flags().StringSlice("severity", nil, "Filter by severity")
	fixedCmd.Flags().StringSlice("status", nil, "Filter by status at remediation time (active, suppressed, closed)")
	fixedCmd.Flags().String("fix-available", "", "Filter by fix availability (yes, no, partial)")
	fixedCmd.Flags().String("resource-type", "", "Filter by resource type")
	fixedCmd.Flags().String("platform", "", "Filter by resource platform")
	fixedCmd.Flags().String("resource-id", "", "Filter by resource identifier")
	fixedCmd.Flags().String("search", "", "Search title, description and vulnerability ID")
	fixedCmd.Flags().String("fixed-after", "", "Only findings fixed on or after this date (YYYY-MM-DD)")
	fixedCmd.Flags().String("fixed-until", "", "Only findings fixed on or before this date (YYYY-MM-DD)")
	fixedCmd.Flags().String("sort", "", "Sort fields, e.g. -fixed_at,days_active")
	fixedCmd.Flags().Int("page", 1, "Page number")
	fixedCmd.Flags().Int("per-page", 20, "Items per page")
}

func runFixed(cmd *cobra.Command, args []string) error {
	accountID, err := requireAccount()
	if err != nil {
		return err
	}

	env, err := newEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	input := app.ListFixedInput{AccountID: accountID}
	input.Severities, _ = cmd.Flags().GetStringSlice("severity")
	input.Statuses, _ = cmd.Flags().GetStringSlice("status")
	input.FixAvailable, _ = cmd.Flags().GetString("fix-available")
	input.ResourceType, _ = cmd.Flags().GetString("resource-type")
	input.Platform, _ = cmd.Flags().GetString("platform")
	input.ResourceID, _ = cmd.Flags().GetString("resource-id")
	input.Search, _ = cmd.Flags().GetString("search")
	input.Sort, _ = cmd.Flags().GetString("sort")
	input.Page, _ = cmd.Flags().GetInt("page")
	input.PerPage, _ = cmd.Flags().GetInt("per-page")

	if input.FixedAfter, err = parseDateFlag(cmd, "fixed-after"); err != nil {
		return err
	}
	if input.FixedUntil, err = parseDateFlag(cmd, "fixed-until"); err != nil {
		return err
	}

	out, err := env.queries.ListFixed(context.Background(), input)
	if err != nil {
		return err
	}

	if flagOutput == outputJSON {
		printJSON(out)
		return nil
	}

	t := newTable("STABLE KEY", "VULN", "SEVERITY", "FIX", "FIRST SEEN", "FIXED", "DAYS ACTIVE", "TITLE")
	for _, e := range out.Result.Items {
		t.AddRow(
			truncate(e.StableKey, 40),
			e.VulnerabilityID,
			string(e.Severity),
			string(e.FixAvailable),
			formatDate(e.FirstObservedAt),
			formatDate(e.FixedAt),
			strconv.Itoa(e.DaysActive),
			truncate(e.Title, 50),
		)
	}
	t.Flush()

	printPagination(out.Result.Total, out.Result.Page, out.Result.PerPage)

	fmt.Printf("\nTotal fixed: %d  with fix available: %d  avg days active: %.1f\n",
		out.Summary.Total, out.Summary.WithFix, out.Summary.AvgDaysActive)
	if len(out.Summary.BySeverity) > 0 {
		fmt.Print("By severity:")
		for _, sev := range []string{"critical", "high", "medium", "low", "informational", "untriaged"} {
			if n := out.Summary.BySeverity[finding.Severity(sev)]; n > 0 {
				fmt.Printf(" %s=%d", sev, n)
			}
		}
		fmt.Println()
	}
	return nil
}

func parseDateFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	value, _ := cmd.Flags().GetString(name)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s date %q: expected YYYY-MM-DD", name, value)
	}
	return &t, nil
}
