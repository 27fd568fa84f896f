package app

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"oracle-audit/internal/report"
	"oracle-audit/internal/scorecard"
	"oracle-audit/internal/storage"
)

// Export rewrites stored runs as CSV and optionally PNG. It selects opts.RunID, every run whose
// window starts in [From, To), or the latest run.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = a.Config.Export.Dir
	}

	if !opts.From.IsZero() || !opts.To.IsZero() {
		to := opts.To
		if to.IsZero() {
			to = time.Now().UTC()
		}
		if !opts.From.Before(to) {
			return errors.New("from must be before to")
		}
		runs, err := store.RunsBetween(ctx, opts.From.UTC(), to.UTC())
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			a.Logger.Info().Msg("no runs found for export window")
			return nil
		}
		for _, run := range runs {
			dir := filepath.Join(outDir, run.From.Format("2006-01-02")+"_"+run.ID.String()[:8])
			if err := a.exportRun(ctx, store, run, dir, opts.PNG); err != nil {
				return err
			}
		}
		return nil
	}

	run, err := resolveRun(ctx, store, opts.RunID)
	if err != nil {
		return err
	}
	return a.exportRun(ctx, store, run, outDir, opts.PNG)
}

func (a *App) exportRun(ctx context.Context, store storage.RunStore, run storage.RunRecord, dir string, png bool) error {
	flags, err := store.ListFlags(ctx, run.ID)
	if err != nil {
		return err
	}
	cards, err := store.ListScorecards(ctx, run.ID)
	if err != nil {
		return err
	}
	reports, err := store.ListDetectorReports(ctx, run.ID)
	if err != nil {
		return err
	}
	staleRuns, err := store.ListStaleRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	collusion, err := store.ListCollusionPairs(ctx, run.ID)
	if err != nil {
		return err
	}
	extremes, err := store.ListExtremeEvents(ctx, run.ID)
	if err != nil {
		return err
	}
	if err := scorecard.SortScorecards(cards, a.Config.Export.SortBy); err != nil {
		return err
	}

	written, err := report.WriteTables(dir, []report.Table{
		report.FlagsTable(flags),
		report.StaleRunsTable(staleRuns),
		report.CollusionTable(collusion),
		report.ExtremesTable(extremes),
		report.ScorecardsTable(cards),
		report.DetectorsTable(reports),
	})
	if err != nil {
		return err
	}

	if png {
		path := filepath.Join(dir, "anomalies.png")
		if err := report.WriteAnomalyChart(path, cards); err != nil {
			a.Logger.Warn().Err(err).Msg("anomaly chart skipped")
		} else {
			written = append(written, path)
		}
	}

	a.Logger.Info().
		Str("run_id", run.ID.String()).
		Int("flags", len(flags)).
		Int("validators", len(cards)).
		Int("files", len(written)).
		Msg("run exported")
	return nil
}
