// Package report renders analysis results as CSV tables and PNG charts.
package report

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/engine"
)

// Table is one named CSV output.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Tables returns every tabular output of a run in a stable order.
func Tables(res *engine.Result) []Table {
	return []Table{
		FlagsTable(res.Flags),
		StaleRunsTable(res.StaleRuns),
		StaleScoresTable(res.StaleScores),
		CollusionTable(res.Collusion),
		ExtremesTable(res.Extremes),
		ConfidenceTable(res.Confidence),
		ResponsivenessTable(res.Responsiveness),
		TimingTable(res.Timing),
		SlotsTable(res.Slots),
		ScorecardsTable(res.Scorecards),
		DetectorsTable(res.Reports),
	}
}

// WriteTables writes each table to dir/<name>.csv and returns the written paths.
func WriteTables(dir string, tables []Table) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	paths := make([]string, 0, len(tables))
	for _, t := range tables {
		path := filepath.Join(dir, t.Name+".csv")
		if err := writeCSV(path, t); err != nil {
			return paths, fmt.Errorf("write %s: %w", t.Name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeCSV(path string, t Table) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(t.Header); err != nil {
		return err
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return err
	}
	return writer.Error()
}

// FlagsTable renders flags; an empty pair means the flag is validator-wide.
func FlagsTable(flags []domain.Flag) Table {
	t := Table{
		Name:   "flags",
		Header: []string{"timestamp", "validator", "pair", "reasons", "value", "reference", "relative_deviation", "correlation", "count"},
	}
	for _, f := range flags {
		t.Rows = append(t.Rows, []string{
			formatTime(f.Timestamp),
			f.ValidatorID,
			f.Pair,
			f.Reasons.String(),
			formatNullFloat(f.Value),
			formatNullFloat(f.Reference),
			formatNullFloat(f.RelativeDeviation),
			formatNullFloat(f.Correlation),
			formatNullInt(f.Count),
		})
	}
	return t
}

func StaleRunsTable(runs []domain.StaleRun) Table {
	t := Table{Name: "stale_runs", Header: []string{"validator", "pair", "start", "end", "length", "value"}}
	for _, r := range runs {
		t.Rows = append(t.Rows, []string{
			r.ValidatorID, r.Pair, formatTime(r.Start), formatTime(r.End), strconv.Itoa(r.Length), formatFloat(r.Value),
		})
	}
	return t
}

func StaleScoresTable(scores []domain.StaleScore) Table {
	t := Table{Name: "stale_scores", Header: []string{"validator", "timestamp", "score", "max_score"}}
	for _, s := range scores {
		t.Rows = append(t.Rows, []string{s.ValidatorID, formatTime(s.Timestamp), strconv.Itoa(s.Score), strconv.Itoa(s.MaxScore)})
	}
	return t
}

func CollusionTable(rows []domain.CollusionPair) Table {
	t := Table{
		Name:   "collusion_pairs",
		Header: []string{"pair", "validator_a", "validator_b", "overlap", "matches", "matching_fraction", "suspicious"},
	}
	for _, c := range rows {
		t.Rows = append(t.Rows, []string{
			c.Pair, c.ValidatorA, c.ValidatorB,
			strconv.Itoa(c.Overlap), strconv.Itoa(c.Matches),
			formatFloat(c.MatchingFraction), strconv.FormatBool(c.Suspicious),
		})
	}
	return t
}

func ExtremesTable(events []domain.ExtremeEvent) Table {
	t := Table{Name: "extreme_events", Header: []string{"pair", "timestamp", "median", "count", "validators"}}
	for _, e := range events {
		t.Rows = append(t.Rows, []string{
			e.Pair, formatTime(e.Timestamp), formatFloat(e.Median), strconv.Itoa(e.Count), strings.Join(e.Validators, "|"),
		})
	}
	return t
}

func ConfidenceTable(stats []domain.ConfidenceStats) Table {
	t := Table{
		Name:   "confidence",
		Header: []string{"validator", "count", "min", "max", "mean", "stddev", "distinct", "fixed"},
	}
	for _, s := range stats {
		t.Rows = append(t.Rows, []string{
			s.ValidatorID, strconv.Itoa(s.Count),
			formatNullInt(s.Min), formatNullInt(s.Max),
			formatNullFloat(s.Mean), formatNullFloat(s.StdDev),
			strconv.Itoa(s.Distinct), strconv.FormatBool(s.Fixed),
		})
	}
	return t
}

func ResponsivenessTable(rows []domain.Responsiveness) Table {
	t := Table{Name: "responsiveness", Header: []string{"validator", "pair", "samples", "correlation", "low"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{
			r.ValidatorID, r.Pair, strconv.Itoa(r.Samples), formatNullFloat(r.Correlation), strconv.FormatBool(r.Low),
		})
	}
	return t
}

func TimingTable(stats []domain.TimingStats) Table {
	t := Table{
		Name:   "timing",
		Header: []string{"validator", "rounds", "mean_offset_s", "mean_abs_offset_s", "median_abs_offset_s", "cluster"},
	}
	for _, s := range stats {
		t.Rows = append(t.Rows, []string{
			s.ValidatorID, strconv.Itoa(s.Rounds),
			formatNullFloat(s.MeanOffset), formatNullFloat(s.MeanAbsOffset), formatNullFloat(s.MedianAbsOffset),
			strconv.Itoa(s.ClusterID),
		})
	}
	return t
}

func SlotsTable(slots []domain.SlotCoverage) Table {
	t := Table{Name: "coverage_slots", Header: []string{"slot", "present", "active", "fraction", "fully_covered"}}
	for _, s := range slots {
		t.Rows = append(t.Rows, []string{
			formatTime(s.Slot), strconv.Itoa(s.Present), strconv.Itoa(s.Active),
			formatFloat(s.Fraction), strconv.FormatBool(s.FullyCovered),
		})
	}
	return t
}

// ScorecardsTable renders one row per validator in the given order.
func ScorecardsTable(rows []domain.ValidatorScorecard) Table {
	t := Table{
		Name: "scorecards",
		Header: []string{
			"validator", "total_submissions", "expected_slots", "present_slots", "missing_ratio",
			"stale_runs", "max_stale_run", "max_stale_score",
			"suspicious_values", "benchmark_deviations", "mean_benchmark_deviation", "cross_rate_mismatches",
			"confidence_count", "confidence_distinct", "confidence_stddev", "fixed_confidence",
			"mean_responsiveness", "low_responsive_pairs",
			"collusion_score", "suspicious_partners", "extreme_events",
			"mean_abs_timing_offset", "median_abs_timing_offset", "timing_cluster",
			"irregular_gaps", "bursts", "anomalies",
		},
	}
	for _, s := range rows {
		t.Rows = append(t.Rows, []string{
			s.ValidatorID,
			strconv.Itoa(s.TotalSubmissions),
			strconv.Itoa(s.ExpectedSlots),
			strconv.Itoa(s.PresentSlots),
			formatFloat(s.MissingRatio),
			strconv.Itoa(s.StaleRunCount),
			strconv.Itoa(s.MaxStaleRunLength),
			strconv.Itoa(s.MaxStaleScore),
			strconv.Itoa(s.SuspiciousValueCount),
			strconv.Itoa(s.BenchmarkDeviationCount),
			formatNullFloat(s.MeanBenchmarkDeviation),
			strconv.Itoa(s.CrossRateMismatchCount),
			strconv.Itoa(s.ConfidenceCount),
			strconv.Itoa(s.ConfidenceDistinct),
			formatNullFloat(s.ConfidenceStdDev),
			strconv.FormatBool(s.FixedConfidence),
			formatNullFloat(s.MeanResponsiveness),
			strconv.Itoa(s.LowResponsivePairs),
			formatFloat(s.CollusionScore),
			strconv.Itoa(s.SuspiciousPartners),
			strconv.Itoa(s.ExtremeEventCount),
			formatNullFloat(s.MeanAbsTimingOffset),
			formatNullFloat(s.MedianAbsTimingOffset),
			strconv.Itoa(s.TimingCluster),
			strconv.Itoa(s.IrregularGaps),
			strconv.Itoa(s.BurstCount),
			strconv.Itoa(s.AnomalyCount()),
		})
	}
	return t
}

// DetectorsTable renders evaluation reports; skip reasons are "reason=n" joined by "|".
func DetectorsTable(reports []domain.DetectorReport) Table {
	t := Table{Name: "detectors", Header: []string{"detector", "evaluated", "skipped", "skip_reasons", "findings", "duration_ms"}}
	for _, r := range reports {
		t.Rows = append(t.Rows, []string{
			r.Name,
			strconv.Itoa(r.Evaluated),
			strconv.Itoa(r.Skipped),
			formatReasons(r.Reasons),
			strconv.Itoa(r.Flags),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
		})
	}
	return t
}

func formatReasons(reasons map[string]int) string {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, reasons[k])
	}
	return strings.Join(parts, "|")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatNullFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return formatFloat(v.Float64)
}

func formatNullInt(v sql.NullInt64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatInt(v.Int64, 10)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
