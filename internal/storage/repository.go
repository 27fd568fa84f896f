package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"oracle-audit/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrRunNotFound is returned when no stored run matches.
	ErrRunNotFound = errors.New("storage: run not found")
)

const (
	deleteRunsForWindowSQL = `DELETE FROM analysis_runs WHERE window_from = $1 AND window_to = $2;`

	insertRunSQL = `INSERT INTO analysis_runs (
        id,
        window_from,
        window_to,
        started_at,
        finished_at,
        validators,
        submissions,
        dropped_rows,
        flags
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	selectRunColumns = `SELECT
        id,
        window_from,
        window_to,
        started_at,
        finished_at,
        validators,
        submissions,
        dropped_rows,
        flags,
        created_at
    FROM analysis_runs`

	getRunSQL      = selectRunColumns + ` WHERE id = $1;`
	latestRunSQL   = selectRunColumns + ` ORDER BY finished_at DESC LIMIT 1;`
	listRunsSQL    = selectRunColumns + ` ORDER BY finished_at DESC LIMIT $1;`
	runsBetweenSQL = selectRunColumns + ` WHERE window_from >= $1 AND window_to <= $2 ORDER BY window_from;`

	listFlagsSQL = `SELECT
        ts,
        validator,
        pair,
        reasons,
        value,
        reference,
        relative_deviation,
        correlation,
        count
    FROM run_flags
    WHERE run_id = $1
    ORDER BY ts, validator, pair;`

	listScorecardsSQL = `SELECT
        validator,
        total_submissions,
        expected_slots,
        present_slots,
        missing_ratio,
        stale_runs,
        max_stale_run,
        max_stale_score,
        suspicious_values,
        benchmark_deviations,
        mean_benchmark_deviation,
        cross_rate_mismatches,
        confidence_count,
        confidence_distinct,
        confidence_stddev,
        fixed_confidence,
        mean_responsiveness,
        low_responsive_pairs,
        collusion_score,
        suspicious_partners,
        extreme_events,
        mean_abs_timing_offset,
        median_abs_timing_offset,
        timing_cluster,
        irregular_gaps,
        bursts
    FROM run_scorecards
    WHERE run_id = $1
    ORDER BY validator;`

	listReportsSQL = `SELECT
        detector,
        evaluated,
        skipped,
        skip_reasons,
        findings,
        duration_ms
    FROM run_detector_reports
    WHERE run_id = $1
    ORDER BY detector;`

	listStaleRunsSQL = `SELECT
        validator,
        pair,
        start_ts,
        end_ts,
        length,
        value
    FROM run_stale_runs
    WHERE run_id = $1
    ORDER BY validator, pair, start_ts;`

	listCollusionSQL = `SELECT
        pair,
        validator_a,
        validator_b,
        overlap,
        matches,
        matching_fraction,
        suspicious
    FROM run_collusion_pairs
    WHERE run_id = $1
    ORDER BY pair, validator_a, validator_b;`

	listExtremesSQL = `SELECT
        pair,
        ts,
        median,
        count,
        validators
    FROM run_extreme_events
    WHERE run_id = $1
    ORDER BY ts, pair;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

var (
	flagColumns = []string{"run_id", "ts", "validator", "pair", "reasons", "value", "reference", "relative_deviation", "correlation", "count"}

	staleRunColumns = []string{"run_id", "validator", "pair", "start_ts", "end_ts", "length", "value"}

	collusionColumns = []string{"run_id", "pair", "validator_a", "validator_b", "overlap", "matches", "matching_fraction", "suspicious"}

	extremeColumns = []string{"run_id", "pair", "ts", "median", "count", "validators"}

	scorecardColumns = []string{
		"run_id", "validator", "total_submissions", "expected_slots", "present_slots", "missing_ratio",
		"stale_runs", "max_stale_run", "max_stale_score", "suspicious_values", "benchmark_deviations",
		"mean_benchmark_deviation", "cross_rate_mismatches", "confidence_count", "confidence_distinct",
		"confidence_stddev", "fixed_confidence", "mean_responsiveness", "low_responsive_pairs",
		"collusion_score", "suspicious_partners", "extreme_events", "mean_abs_timing_offset",
		"median_abs_timing_offset", "timing_cluster", "irregular_gaps", "bursts",
	}

	reportColumns = []string{"run_id", "detector", "evaluated", "skipped", "skip_reasons", "findings", "duration_ms"}
)

// RunStore persists and reads analysis runs.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error)
	LatestRun(ctx context.Context) (RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	RunsBetween(ctx context.Context, from, to time.Time) ([]RunRecord, error)
	ListFlags(ctx context.Context, runID uuid.UUID) ([]domain.Flag, error)
	ListStaleRuns(ctx context.Context, runID uuid.UUID) ([]domain.StaleRun, error)
	ListCollusionPairs(ctx context.Context, runID uuid.UUID) ([]domain.CollusionPair, error)
	ListExtremeEvents(ctx context.Context, runID uuid.UUID) ([]domain.ExtremeEvent, error)
	ListScorecards(ctx context.Context, runID uuid.UUID) ([]domain.ValidatorScorecard, error)
	ListDetectorReports(ctx context.Context, runID uuid.UUID) ([]domain.DetectorReport, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists analysis runs in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// WindowLockKey derives a per-window advisory lock key so concurrent backfills of different days
// do not block each other.
func WindowLockKey(base int64, from time.Time) int64 {
	day := from.UTC().Unix() / 86400
	return base<<24 | (day & 0xffffff)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// session locks die with the connection if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// SaveRun replaces any earlier run for the same window and writes the new one in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	rec := run.Record
	if rec.ID == uuid.Nil {
		return fmt.Errorf("save run: missing run id")
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteRunsForWindowSQL, rec.From, rec.To); err != nil {
			return fmt.Errorf("delete previous run: %w", err)
		}
		if _, err := tx.Exec(ctx, insertRunSQL,
			rec.ID,
			rec.From,
			rec.To,
			rec.StartedAt,
			rec.FinishedAt,
			rec.Validators,
			rec.Submissions,
			rec.DroppedRows,
			rec.Flags,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_flags"}, flagColumns, pgx.CopyFromSlice(len(run.Flags), func(i int) ([]any, error) {
			f := run.Flags[i]
			return []any{
				rec.ID, nullTime(f.Timestamp), f.ValidatorID, f.Pair, reasonStrings(f.Reasons),
				nullFloat(f.Value), nullFloat(f.Reference), nullFloat(f.RelativeDeviation), nullFloat(f.Correlation),
				nullInt(f.Count),
			}, nil
		})); err != nil {
			return fmt.Errorf("copy flags: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_stale_runs"}, staleRunColumns, pgx.CopyFromSlice(len(run.StaleRuns), func(i int) ([]any, error) {
			r := run.StaleRuns[i]
			return []any{rec.ID, r.ValidatorID, r.Pair, r.Start, r.End, r.Length, r.Value}, nil
		})); err != nil {
			return fmt.Errorf("copy stale runs: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_collusion_pairs"}, collusionColumns, pgx.CopyFromSlice(len(run.Collusion), func(i int) ([]any, error) {
			c := run.Collusion[i]
			return []any{rec.ID, c.Pair, c.ValidatorA, c.ValidatorB, c.Overlap, c.Matches, c.MatchingFraction, c.Suspicious}, nil
		})); err != nil {
			return fmt.Errorf("copy collusion pairs: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_extreme_events"}, extremeColumns, pgx.CopyFromSlice(len(run.Extremes), func(i int) ([]any, error) {
			e := run.Extremes[i]
			validators := e.Validators
			if validators == nil {
				validators = []string{}
			}
			return []any{rec.ID, e.Pair, e.Timestamp, e.Median, e.Count, validators}, nil
		})); err != nil {
			return fmt.Errorf("copy extreme events: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_scorecards"}, scorecardColumns, pgx.CopyFromSlice(len(run.Scorecards), func(i int) ([]any, error) {
			return scorecardValues(rec.ID, run.Scorecards[i]), nil
		})); err != nil {
			return fmt.Errorf("copy scorecards: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_detector_reports"}, reportColumns, pgx.CopyFromSlice(len(run.Reports), func(i int) ([]any, error) {
			r := run.Reports[i]
			reasons := r.Reasons
			if reasons == nil {
				reasons = map[string]int{}
			}
			return []any{rec.ID, r.Name, r.Evaluated, r.Skipped, reasons, r.Flags, r.Duration.Milliseconds()}, nil
		})); err != nil {
			return fmt.Errorf("copy detector reports: %w", err)
		}
		return nil
	})
}

// GetRun loads one run header.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RunRecord{}, err
	}
	rec, err := scanRun(pool.QueryRow(ctx, getRunSQL, id))
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// LatestRun loads the most recently finished run.
func (s *Store) LatestRun(ctx context.Context) (RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RunRecord{}, err
	}
	rec, err := scanRun(pool.QueryRow(ctx, latestRunSQL))
	if err != nil {
		return RunRecord{}, fmt.Errorf("latest run: %w", err)
	}
	return rec, nil
}

// ListRuns lists the most recent runs ordered by descending finish time.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// RunsBetween lists runs whose window lies within [from, to].
func (s *Store) RunsBetween(ctx context.Context, from, to time.Time) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, runsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("runs between: %w", err)
	}
	return collectRuns(rows)
}

// ListFlags loads a run's flags ordered by timestamp, validator and pair.
func (s *Store) ListFlags(ctx context.Context, runID uuid.UUID) ([]domain.Flag, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listFlagsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]domain.Flag, 0)
	for rows.Next() {
		var (
			f       domain.Flag
			ts      sql.NullTime
			reasons []string
		)
		if err := rows.Scan(&ts, &f.ValidatorID, &f.Pair, &reasons, &f.Value, &f.Reference, &f.RelativeDeviation, &f.Correlation, &f.Count); err != nil {
			return nil, err
		}
		if ts.Valid {
			f.Timestamp = ts.Time.UTC()
		}
		f.Reasons = make(domain.Reasons, len(reasons))
		for i, r := range reasons {
			f.Reasons[i] = domain.Reason(r)
		}
		flags = append(flags, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return flags, nil
}

// ListStaleRuns loads a run's stale runs ordered by validator, pair and start.
func (s *Store) ListStaleRuns(ctx context.Context, runID uuid.UUID) ([]domain.StaleRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listStaleRunsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.StaleRun, 0)
	for rows.Next() {
		var r domain.StaleRun
		if err := rows.Scan(&r.ValidatorID, &r.Pair, &r.Start, &r.End, &r.Length, &r.Value); err != nil {
			return nil, err
		}
		r.Start, r.End = r.Start.UTC(), r.End.UTC()
		runs = append(runs, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// ListCollusionPairs loads a run's validator pair comparisons.
func (s *Store) ListCollusionPairs(ctx context.Context, runID uuid.UUID) ([]domain.CollusionPair, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listCollusionSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list collusion pairs: %w", err)
	}
	defer rows.Close()

	pairs := make([]domain.CollusionPair, 0)
	for rows.Next() {
		var c domain.CollusionPair
		if err := rows.Scan(&c.Pair, &c.ValidatorA, &c.ValidatorB, &c.Overlap, &c.Matches, &c.MatchingFraction, &c.Suspicious); err != nil {
			return nil, err
		}
		pairs = append(pairs, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pairs, nil
}

// ListExtremeEvents loads a run's simultaneous extreme events ordered by timestamp.
func (s *Store) ListExtremeEvents(ctx context.Context, runID uuid.UUID) ([]domain.ExtremeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listExtremesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list extreme events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.ExtremeEvent, 0)
	for rows.Next() {
		var e domain.ExtremeEvent
		if err := rows.Scan(&e.Pair, &e.Timestamp, &e.Median, &e.Count, &e.Validators); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// ListScorecards loads a run's scorecards ordered by validator.
func (s *Store) ListScorecards(ctx context.Context, runID uuid.UUID) ([]domain.ValidatorScorecard, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listScorecardsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list scorecards: %w", err)
	}
	defer rows.Close()

	cards := make([]domain.ValidatorScorecard, 0)
	for rows.Next() {
		var c domain.ValidatorScorecard
		if err := rows.Scan(
			&c.ValidatorID,
			&c.TotalSubmissions,
			&c.ExpectedSlots,
			&c.PresentSlots,
			&c.MissingRatio,
			&c.StaleRunCount,
			&c.MaxStaleRunLength,
			&c.MaxStaleScore,
			&c.SuspiciousValueCount,
			&c.BenchmarkDeviationCount,
			&c.MeanBenchmarkDeviation,
			&c.CrossRateMismatchCount,
			&c.ConfidenceCount,
			&c.ConfidenceDistinct,
			&c.ConfidenceStdDev,
			&c.FixedConfidence,
			&c.MeanResponsiveness,
			&c.LowResponsivePairs,
			&c.CollusionScore,
			&c.SuspiciousPartners,
			&c.ExtremeEventCount,
			&c.MeanAbsTimingOffset,
			&c.MedianAbsTimingOffset,
			&c.TimingCluster,
			&c.IrregularGaps,
			&c.BurstCount,
		); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cards, nil
}

// ListDetectorReports loads a run's per-detector evaluation reports.
func (s *Store) ListDetectorReports(ctx context.Context, runID uuid.UUID) ([]domain.DetectorReport, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listReportsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list detector reports: %w", err)
	}
	defer rows.Close()

	reports := make([]domain.DetectorReport, 0)
	for rows.Next() {
		var (
			r  domain.DetectorReport
			ms int64
		)
		if err := rows.Scan(&r.Name, &r.Evaluated, &r.Skipped, &r.Reasons, &r.Flags, &ms); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		reports = append(reports, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reports, nil
}

func scanRun(row pgx.Row) (RunRecord, error) {
	var rec RunRecord
	err := row.Scan(
		&rec.ID,
		&rec.From,
		&rec.To,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Validators,
		&rec.Submissions,
		&rec.DroppedRows,
		&rec.Flags,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	rec.From, rec.To = rec.From.UTC(), rec.To.UTC()
	return rec, nil
}

func collectRuns(rows pgx.Rows) ([]RunRecord, error) {
	defer rows.Close()
	runs := make([]RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scorecardValues(runID uuid.UUID, c domain.ValidatorScorecard) []any {
	return []any{
		runID,
		c.ValidatorID,
		c.TotalSubmissions,
		c.ExpectedSlots,
		c.PresentSlots,
		c.MissingRatio,
		c.StaleRunCount,
		c.MaxStaleRunLength,
		c.MaxStaleScore,
		c.SuspiciousValueCount,
		c.BenchmarkDeviationCount,
		nullFloat(c.MeanBenchmarkDeviation),
		c.CrossRateMismatchCount,
		c.ConfidenceCount,
		c.ConfidenceDistinct,
		nullFloat(c.ConfidenceStdDev),
		c.FixedConfidence,
		nullFloat(c.MeanResponsiveness),
		c.LowResponsivePairs,
		c.CollusionScore,
		c.SuspiciousPartners,
		c.ExtremeEventCount,
		nullFloat(c.MeanAbsTimingOffset),
		nullFloat(c.MedianAbsTimingOffset),
		c.TimingCluster,
		c.IrregularGaps,
		c.BurstCount,
	}
}

func reasonStrings(rs domain.Reasons) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

func nullFloat(v sql.NullFloat64) any {
	if !v.Valid {
		return nil
	}
	return v.Float64
}

func nullInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
