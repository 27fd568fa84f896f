package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/scorecard"
	"oracle-audit/internal/storage"
)

var (
	alertColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
)

// Show prints the scorecards of the latest stored run, or of opts.RunID.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Runs {
		runs, err := store.ListRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, "no runs found")
			return nil
		}
		return printRuns(os.Stdout, runs)
	}

	run, err := resolveRun(ctx, store, opts.RunID)
	if errors.Is(err, storage.ErrRunNotFound) {
		fmt.Fprintln(os.Stdout, "no runs found")
		return nil
	}
	if err != nil {
		return err
	}

	cards, err := store.ListScorecards(ctx, run.ID)
	if err != nil {
		return err
	}
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = a.Config.Export.SortBy
	}
	if err := scorecard.SortScorecards(cards, sortBy); err != nil {
		return err
	}
	if opts.Limit > 0 && len(cards) > opts.Limit {
		cards = cards[:opts.Limit]
	}

	return printScorecards(os.Stdout, run, cards)
}

func resolveRun(ctx context.Context, store storage.RunStore, id string) (storage.RunRecord, error) {
	if id == "" {
		return store.LatestRun(ctx)
	}
	runID, err := uuid.Parse(id)
	if err != nil {
		return storage.RunRecord{}, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	return store.GetRun(ctx, runID)
}

func printScorecards(out io.Writer, run storage.RunRecord, cards []domain.ValidatorScorecard) error {
	fmt.Fprintf(out, "Run %s  %s .. %s UTC  validators=%d flags=%d\n\n",
		run.ID,
		run.From.UTC().Format(time.RFC3339),
		run.To.UTC().Format(time.RFC3339),
		run.Validators,
		run.Flags,
	)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Validator\tSubmissions\tMissing%\tStale\tSuspicious\tCrossRate\tFixedConf\tCollusion\tExtremes\tTimingOffset\tBursts\tAnomalies")

	for _, c := range cards {
		fixed := "no"
		if c.FixedConfidence {
			fixed = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%.2f\t%d\t%d\t%d\t%s\t%.3f\t%d\t%s\t%d\t%s\n",
			c.ValidatorID,
			c.TotalSubmissions,
			c.MissingRatio*100,
			c.StaleRunCount,
			c.SuspiciousValueCount,
			c.CrossRateMismatchCount,
			fixed,
			c.CollusionScore,
			c.ExtremeEventCount,
			formatOptional(c.MeanAbsTimingOffset, 1),
			c.BurstCount,
			highlight(c.AnomalyCount()),
		)
	}

	return writer.Flush()
}

func printRuns(out io.Writer, runs []storage.RunRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run\tFrom (UTC)\tTo (UTC)\tValidators\tSubmissions\tDropped\tFinished\tFlags")
	for _, r := range runs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID,
			r.From.UTC().Format(time.RFC3339),
			r.To.UTC().Format(time.RFC3339),
			r.Validators,
			r.Submissions,
			r.DroppedRows,
			r.FinishedAt.UTC().Format(time.RFC3339),
			highlight(r.Flags),
		)
	}
	return writer.Flush()
}

// highlight colours the last column only so tabwriter widths stay aligned.
func highlight(n int) string {
	s := strconv.Itoa(n)
	switch {
	case n >= 5:
		return alertColor.Sprint(s)
	case n > 0:
		return warnColor.Sprint(s)
	default:
		return s
	}
}

func formatOptional(v sql.NullFloat64, prec int) string {
	if !v.Valid {
		return "-"
	}
	return strconv.FormatFloat(v.Float64, 'f', prec, 64)
}
