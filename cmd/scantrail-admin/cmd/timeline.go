package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/scantrail/api/pkg/domain/finding"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <stable-key>",
	Short: "Show the full observation history of one finding",
	Long: `Show every archived snapshot of a finding, most recent first, together
with its current live status. A finding no longer in the live snapshot
reports status "fixed".

With --vuln the argument is a vulnerability identifier (e.g. a CVE) and
one timeline is shown per affected resource.`,
	Args: cobra.ExactArgs(1),
	RunE: runTimeline,
}

func init() {
	timelineCmd.Flags().Bool("vuln", false, "Look up by vulnerability identifier instead of stable key")
}

func runTimeline(cmd *cobra.Command, args []string) error {
	accountID, err := requireAccountID()
	if err != nil {
		return err
	}

	env, err := newEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()

	if byVuln, _ := cmd.Flags().GetBool("vuln"); byVuln {
		timelines, err := env.queries.GetTimelinesByVulnerability(ctx, accountID, args[0])
		if err != nil {
			return err
		}
		for i, timeline := range timelines {
			if i > 0 {
				fmt.Println()
			}
			printTimeline(timeline)
		}
		return nil
	}

	timeline, err := env.queries.GetTimeline(ctx, accountID, args[0])
	if err != nil {
		return err
	}
	printTimeline(timeline)
	return nil
}

func printTimeline(timeline *finding.Timeline) {
	if flagOutput == outputJSON {
		type entry struct {
			ReportID        string `json:"report_id"`
			ArchivedAt      string `json:"archived_at"`
			Severity        string `json:"severity"`
			Status          string `json:"status"`
			FirstObserved   string `json:"first_observed_at"`
			LastObserved    string `json:"last_observed_at"`
			FixedAt         string `json:"fixed_at,omitempty"`
			DaysActive      *int   `json:"days_active,omitempty"`
			Title           string `json:"title"`
			VulnerabilityID string `json:"vulnerability_id,omitempty"`
		}
		out := struct {
			StableKey     string  `json:"stable_key"`
			CurrentStatus string  `json:"current_status"`
			History       []entry `json:"history"`
		}{
			StableKey:     timeline.StableKey,
			CurrentStatus: timeline.CurrentStatus,
			History:       make([]entry, 0, len(timeline.History)),
		}
		for _, h := range timeline.History {
			e := entry{
				ReportID:        h.ReportID().String(),
				ArchivedAt:      h.ArchivedAt().Format("2006-01-02 15:04:05"),
				Severity:        string(h.Severity()),
				Status:          string(h.Status()),
				FirstObserved:   formatDate(h.FirstObservedAt()),
				LastObserved:    formatDate(h.LastObservedAt()),
				DaysActive:      h.DaysActive(),
				Title:           h.Title(),
				VulnerabilityID: h.VulnerabilityID(),
			}
			if h.FixedAt() != nil {
				e.FixedAt = formatDate(*h.FixedAt())
			}
			out.History = append(out.History, e)
		}
		printJSON(out)
		return
	}

	fmt.Printf("Finding: %s\nCurrent status: %s\n\n", timeline.StableKey, timeline.CurrentStatus)

	t := newTable("ARCHIVED", "SEVERITY", "STATUS", "FIRST SEEN", "LAST SEEN", "FIXED", "DAYS ACTIVE")
	for _, h := range timeline.History {
		fixed, days := "-", "-"
		if h.FixedAt() != nil {
			fixed = formatDate(*h.FixedAt())
		}
		if h.DaysActive() != nil {
			days = strconv.Itoa(*h.DaysActive())
		}
		t.AddRow(
			h.ArchivedAt().Format("2006-01-02 15:04"),
			string(h.Severity()),
			string(h.Status()),
			formatDate(h.FirstObservedAt()),
			formatDate(h.LastObservedAt()),
			fixed,
			days,
		)
	}
	t.Flush()

	if len(timeline.History) == 0 {
		fmt.Println("No archived snapshots yet.")
	}
}
