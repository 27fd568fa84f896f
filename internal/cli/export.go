package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-audit/internal/app"
)

var (
	exportRunID  string
	exportFrom   string
	exportTo     string
	exportOutDir string
	exportPNG    bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored runs as CSV and optional PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportRunID != "" && (exportFrom != "" || exportTo != "") {
			return fmt.Errorf("--run cannot be combined with --from/--to")
		}

		from, err := parseTime("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTime("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			RunID:  exportRunID,
			From:   from,
			To:     to,
			OutDir: exportOutDir,
			PNG:    exportPNG,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "Run ID (defaults to the latest run)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Export every run starting at or after (RFC3339 or YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Export every run starting before (RFC3339 or YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportOutDir, "out", "", "Output directory (defaults to export.dir)")
	exportCmd.Flags().BoolVar(&exportPNG, "png", true, "Also render the anomaly bar chart")
}
