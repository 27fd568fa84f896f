package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"oracle-audit/internal/storage"
)

const (
	insertFlagsSQL = `INSERT INTO oracle_flags (
		run_id, window_from, ts, validator, pair, reasons,
		value, reference, relative_deviation, correlation, count
	)`

	insertScorecardsSQL = `INSERT INTO oracle_scorecards (
		run_id, window_from, window_to, validator, total_submissions, missing_ratio,
		stale_runs, suspicious_values, cross_rate_mismatches, fixed_confidence,
		low_responsive_pairs, collusion_score, suspicious_partners, extreme_events,
		mean_abs_timing_offset, bursts, anomalies
	)`
)

// epoch stands in for flags without a timestamp; ts is not nullable.
var epoch = time.Unix(0, 0).UTC()

// batcher is the subset of driver.Conn the sink needs.
type batcher interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// Sink appends flags and scorecards of each run. Timestamps are stored in UTC.
type Sink struct {
	conn batcher
}

// NewSink wraps a connection.
func NewSink(conn *Conn) *Sink {
	return &Sink{conn: conn}
}

// SaveRun writes the run's flags and scorecards as two batches.
func (s *Sink) SaveRun(ctx context.Context, run storage.Run) error {
	rec := run.Record

	if len(run.Flags) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, insertFlagsSQL)
		if err != nil {
			return fmt.Errorf("prepare flag batch: %w", err)
		}
		for _, f := range run.Flags {
			reasons := make([]string, len(f.Reasons))
			for i, r := range f.Reasons {
				reasons[i] = string(r)
			}
			ts := epoch
			if !f.Timestamp.IsZero() {
				ts = f.Timestamp.UTC()
			}
			if err := batch.Append(
				rec.ID, rec.From.UTC(), ts, f.ValidatorID, f.Pair, reasons,
				floatPtr(f.Value), floatPtr(f.Reference), floatPtr(f.RelativeDeviation), floatPtr(f.Correlation),
				intPtr(f.Count),
			); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("append flag: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send flag batch: %w", err)
		}
	}

	if len(run.Scorecards) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, insertScorecardsSQL)
		if err != nil {
			return fmt.Errorf("prepare scorecard batch: %w", err)
		}
		for _, c := range run.Scorecards {
			if err := batch.Append(
				rec.ID, rec.From.UTC(), rec.To.UTC(), c.ValidatorID,
				int64(c.TotalSubmissions), c.MissingRatio,
				int64(c.StaleRunCount), int64(c.SuspiciousValueCount), int64(c.CrossRateMismatchCount),
				c.FixedConfidence, int64(c.LowResponsivePairs), c.CollusionScore,
				int64(c.SuspiciousPartners), int64(c.ExtremeEventCount),
				floatPtr(c.MeanAbsTimingOffset), int64(c.BurstCount), int64(c.AnomalyCount()),
			); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("append scorecard: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send scorecard batch: %w", err)
		}
	}
	return nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
