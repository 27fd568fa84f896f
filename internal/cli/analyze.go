package cli

import (
	"github.com/spf13/cobra"

	"oracle-audit/internal/app"
)

var (
	analyzeFrom   string
	analyzeTo     string
	analyzeOutDir string
	analyzeDryRun bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run every detector over the configured submission window",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTime("from", analyzeFrom)
		if err != nil {
			return err
		}
		to, err := parseTime("to", analyzeTo)
		if err != nil {
			return err
		}

		_, err = getApp().Analyze(cmd.Context(), app.AnalyzeOptions{
			From:   from,
			To:     to,
			OutDir: analyzeOutDir,
			DryRun: analyzeDryRun,
		})
		return err
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFrom, "from", "", "Window start (RFC3339 or YYYY-MM-DD, inclusive); overrides input.from")
	analyzeCmd.Flags().StringVar(&analyzeTo, "to", "", "Window end (RFC3339 or YYYY-MM-DD, exclusive); overrides input.to")
	analyzeCmd.Flags().StringVar(&analyzeOutDir, "out", "", "Report directory (defaults to export.dir)")
	analyzeCmd.Flags().BoolVar(&analyzeDryRun, "dry-run", false, "Write reports only; skip databases and alerts")
}
