package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"oracle-audit/internal/alerting"
	"oracle-audit/internal/domain"
	"oracle-audit/internal/engine"
	"oracle-audit/internal/loader"
	"oracle-audit/internal/report"
	"oracle-audit/internal/scorecard"
	"oracle-audit/internal/storage"
)

// ErrWindowLocked is returned when another process holds the window's advisory lock.
var ErrWindowLocked = errors.New("window is being analyzed by another process")

// Analyze loads one window, runs every detector and writes the configured outputs.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) (*engine.Result, error) {
	s, err := a.openSinks(ctx, !opts.DryRun)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	res, _, err := a.analyzeWindow(ctx, opts, s)
	if err != nil {
		return nil, err
	}
	a.writeMetrics(s)
	return res, nil
}

func (a *App) analyzeWindow(ctx context.Context, opts AnalyzeOptions, s *sinks) (*engine.Result, uuid.UUID, error) {
	started := time.Now().UTC()
	cfg := a.Config

	from, to := cfg.Input.From, cfg.Input.To
	if !opts.From.IsZero() {
		from = opts.From
	}
	if !opts.To.IsZero() {
		to = opts.To
	}

	sources, err := loader.Discover(cfg.Input.Submissions)
	if err != nil {
		return nil, uuid.Nil, err
	}
	sources = loader.InWindow(sources, from, to)
	if len(sources) == 0 {
		return nil, uuid.Nil, fmt.Errorf("no submission files match %q in window: %w", cfg.Input.Submissions, domain.ErrNoInputData)
	}

	windowFrom, windowTo := from, to
	if spanFrom, spanTo, ok := loader.DateSpan(sources); ok {
		if windowFrom.IsZero() {
			windowFrom = spanFrom
		}
		if windowTo.IsZero() {
			windowTo = spanTo
		}
	}

	schema, err := cfg.Schema()
	if err != nil {
		return nil, uuid.Nil, err
	}

	table, err := loader.NewSubmissions(loader.SubmissionOptions{
		TimestampLayout: cfg.Input.TimestampLayout,
		TimestampColumn: cfg.Input.TimestampColumn,
		ValidatorColumn: cfg.Input.ValidatorColumn,
	}, schema, a.Logger).Load(ctx, sources)
	if err != nil {
		return nil, uuid.Nil, err
	}
	s.metrics.ObserveLoad(table.Stats)

	benchmarks, failures := loader.NewBenchmarks(loader.BenchmarkOptions{
		Dir:             cfg.Input.BenchmarkDir,
		SkipRows:        cfg.Input.BenchmarkSkipRows,
		TimestampLayout: cfg.Input.BenchmarkLayout,
	}, a.Logger).LoadAll(ctx, schema.Pairs)

	eng := engine.New(cfg.EngineSettings(), a.Logger,
		engine.WithRecorder(s.metrics),
		engine.WithWindow(windowFrom, windowTo),
	)
	res, err := eng.Run(ctx, table, benchmarks, failures)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if err := scorecard.SortScorecards(res.Scorecards, cfg.Export.SortBy); err != nil {
		return nil, uuid.Nil, err
	}

	runID := uuid.New()
	logger := a.Logger.With().Str("run_id", runID.String()).Time("from", res.From).Time("to", res.To).Logger()

	outDir := opts.OutDir
	if outDir == "" {
		outDir = cfg.Export.Dir
	}
	written, err := report.WriteTables(outDir, report.Tables(res))
	if err != nil {
		return nil, uuid.Nil, err
	}
	if cfg.Export.Charts {
		written = append(written, a.writeCharts(outDir, res)...)
	}
	logger.Info().Str("dir", outDir).Int("files", len(written)).Msg("reports written")

	lockFrom := from
	if lockFrom.IsZero() {
		lockFrom = res.From
	}
	run := storage.Run{
		Record: storage.RunRecord{
			ID:          runID,
			From:        res.From,
			To:          res.To,
			StartedAt:   started,
			FinishedAt:  time.Now().UTC(),
			Validators:  len(res.Scorecards),
			Submissions: len(table.Records),
			DroppedRows: res.Load.DroppedRows,
			Flags:       len(res.Flags),
		},
		Flags:      res.Flags,
		StaleRuns:  res.StaleRuns,
		Collusion:  res.Collusion,
		Extremes:   res.Extremes,
		Scorecards: res.Scorecards,
		Reports:    res.Reports,
	}
	if err := a.persist(ctx, s, run, lockFrom); err != nil {
		return nil, uuid.Nil, err
	}

	s.metrics.ObserveRun(res.Flags, res.Duration, run.Record.FinishedAt)

	if s.notifier != nil && alerting.ShouldNotify(res.Flags, cfg.Alerting.MinFlags) {
		note := alerting.Summarize(runID.String(), res, 5)
		if err := s.notifier.Notify(ctx, note); err != nil {
			// findings are already on disk and in storage
			logger.Error().Err(err).Msg("failed to send run summary")
		}
	}

	logger.Info().
		Int("validators", run.Record.Validators).
		Int("submissions", run.Record.Submissions).
		Int("flags", run.Record.Flags).
		Dur("took", time.Since(started)).
		Msg("analysis complete")
	return res, runID, nil
}

func (a *App) writeCharts(dir string, res *engine.Result) []string {
	var written []string
	anomalies := filepath.Join(dir, "anomalies.png")
	if err := report.WriteAnomalyChart(anomalies, res.Scorecards); err != nil {
		a.Logger.Warn().Err(err).Msg("anomaly chart skipped")
	} else {
		written = append(written, anomalies)
	}

	coverage := filepath.Join(dir, "coverage.png")
	if err := report.WriteCoverageChart(coverage, res.Slots, a.Config.Detectors.Coverage.MinFraction, a.Config.Export.MaxDataPoints); err != nil {
		a.Logger.Warn().Err(err).Msg("coverage chart skipped")
	} else {
		written = append(written, coverage)
	}
	return written
}

func (a *App) persist(ctx context.Context, s *sinks, run storage.Run, lockFrom time.Time) error {
	if s.store != nil {
		key := storage.WindowLockKey(a.Config.Database.AdvisoryLockKey, lockFrom)
		unlock, ok, err := s.store.TryAdvisoryLock(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", lockFrom.UTC().Format("2006-01-02"), ErrWindowLocked)
		}
		err = s.store.SaveRun(ctx, run)
		unlock()
		if err != nil {
			return err
		}
	}
	if s.columnar != nil {
		if err := s.columnar.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
	}
	return nil
}

func (a *App) writeMetrics(s *sinks) {
	path := a.Config.Metrics.TextfilePath
	if path == "" {
		return
	}
	if err := s.metrics.WriteTextfile(path); err != nil {
		a.Logger.Warn().Err(err).Str("path", path).Msg("metrics textfile not written")
	}
}
