package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"oracle-audit/internal/app"
	"oracle-audit/internal/scorecard"
)

var (
	showRunID string
	showSort  string
	showLimit int
	showRuns  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display validator scorecards of a stored run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		opts := app.ShowOptions{
			RunID:  showRunID,
			SortBy: showSort,
			Limit:  showLimit,
			Runs:   showRuns,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showRunID, "run", "", "Run ID (defaults to the latest run)")
	showCmd.Flags().StringVar(&showSort, "sort", "", "Sort metric: "+strings.Join(scorecard.Metrics(), ", "))
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display (0 for all)")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "List recent runs instead of scorecards")
}
