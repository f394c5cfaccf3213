package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/scantrail/api/internal/app"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List live findings",
	RunE:  runFindings,
}

func init() {
	findingsCmd.Flags().StringSlice("severity", nil, "Filter by severity (critical, high, medium, low, informational, untriaged)")
	findingsCmd.Flags().StringSlice("status", nil, "Filter by status (active, suppressed, closed)")
	findingsCmd.Flags().String("fix-available", "", "Filter by fix availability (yes, no, partial)")
	findingsCmd.Flags().String("resource-type", "", "Filter by resource type")
	findingsCmd.Flags().String("platform", "", "Filter by resource platform")
	findingsCmd.Flags().String("resource-id", "", "Filter by resource identifier")
	findingsCmd.Flags().String("search", "", "Search title, description and vulnerability ID")
	findingsCmd.Flags().String("sort", "", "Sort fields, e.g. -severity,last_observed_at")
	findingsCmd.Flags().Int("page", 1, "Page number")
	findingsCmd.Flags().Int("per-page", 20, "Items per page")
}

func runFindings(cmd *cobra.Command, args []string) error {
	accountID, err := requireAccount()
	if err != nil {
		return err
	}

	env, err := newEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	input := app.ListFindingsInput{AccountID: accountID}
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

	result, err := env.queries.ListFindings(context.Background(), input)
	if err != nil {
		return err
	}

	if flagOutput == outputJSON {
		printJSON(result)
		return nil
	}

	t := newTable("STABLE KEY", "VULN", "SEVERITY", "STATUS", "FIX", "FIRST SEEN", "LAST SEEN", "TITLE")
	for _, f := range result.Items {
		t.AddRow(
			truncate(f.StableKey(), 40),
			f.VulnerabilityID(),
			string(f.Severity()),
			string(f.Status()),
			string(f.FixAvailable()),
			formatDate(f.FirstObservedAt()),
			formatDate(f.LastObservedAt()),
			truncate(f.Title(), 50),
		)
	}
	t.Flush()

	printPagination(result.Total, result.Page, result.PerPage)
	return nil
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List ingested reports",
	RunE:  runReports,
}

func init() {
	reportsCmd.Flags().Int("limit", 50, "Maximum reports to list")
}

func runReports(cmd *cobra.Command, args []string) error {
	accountID, err := requireAccountID()
	if err != nil {
		return err
	}

	env, err := newEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	reports, err := env.queries.ListReports(context.Background(), accountID, limit)
	if err != nil {
		return err
	}

	if flagOutput == outputJSON {
		type row struct {
			ID           string `json:"id"`
			Filename     string `json:"filename"`
			Format       string `json:"format"`
			RunDate      string `json:"run_date"`
			UploadedAt   string `json:"uploaded_at"`
			FindingCount int    `json:"finding_count"`
			SkippedCount int    `json:"skipped_count"`
			Outcome      string `json:"outcome"`
		}
		rows := make([]row, 0, len(reports))
		for _, r := range reports {
			rows = append(rows, row{
				ID:           r.ID().String(),
				Filename:     r.Filename(),
				Format:       string(r.Format()),
				RunDate:      formatDate(r.RunDate()),
				UploadedAt:   r.UploadedAt().Format("2006-01-02 15:04:05"),
				FindingCount: r.FindingCount(),
				SkippedCount: r.SkippedCount(),
				Outcome:      string(r.Outcome()),
			})
		}
		printJSON(rows)
		return nil
	}

	t := newTable("ID", "RUN DATE", "FILE", "FORMAT", "FINDINGS", "SKIPPED", "OUTCOME")
	for _, r := range reports {
		t.AddRow(
			r.ID().String(),
			formatDate(r.RunDate()),
			r.Filename(),
			string(r.Format()),
			strconv.Itoa(r.FindingCount()),
			strconv.Itoa(r.SkippedCount()),
			string(r.Outcome()),
		)
	}
	t.Flush()

	if len(reports) == 0 {
		fmt.Println("No reports found.")
	}
	return nil
}
