// Package scorecard folds detector outputs into one comparable row per validator.
package scorecard

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"oracle-audit/internal/align"
	"oracle-audit/internal/domain"
	"oracle-audit/internal/numeric"
)

// Inputs are the detector outputs of one run. Any field may be empty when its detector did not run.
type Inputs struct {
	Table          *domain.SubmissionTable
	Alignments     []*align.Alignment
	Flags          []domain.Flag
	StaleRuns      []domain.StaleRun
	StaleScores    []domain.StaleScore
	Confidence     []domain.ConfidenceStats
	Responsiveness []domain.Responsiveness
	Collusion      []domain.CollusionPair
	Extremes       []domain.ExtremeEvent
	Timing         []domain.TimingStats
	Cadence        []domain.CadenceStats
}

type accumulator struct {
	card       domain.ValidatorScorecard
	deviations []float64
	corrs      []float64
	partners   map[string]struct{}
}

// Build returns one scorecard per validator sorted by validator id.
func Build(in Inputs) []domain.ValidatorScorecard {
	acc := make(map[string]*accumulator)
	get := func(v string) *accumulator {
		a, ok := acc[v]
		if !ok {
			a = &accumulator{card: domain.ValidatorScorecard{ValidatorID: v}, partners: make(map[string]struct{})}
			acc[v] = a
		}
		return a
	}

	if in.Table != nil {
		for _, r := range in.Table.Records {
			get(r.ValidatorID).card.TotalSubmissions++
		}
		for _, al := range in.Alignments {
			if al == nil {
				continue
			}
			for _, obs := range al.Observations {
				if !obs.Matched() || !numeric.Finite(obs.RelativeDiff) {
					continue
				}
				v := in.Table.Records[obs.Record].ValidatorID
				get(v).deviations = append(get(v).deviations, obs.RelativeDiff)
			}
		}
	}

	for _, f := range in.Flags {
		c := &get(f.ValidatorID).card
		if f.Reasons.Has(domain.ReasonNonPositivePrice) || f.Reasons.Has(domain.ReasonExcessiveMagnitude) ||
			f.Reasons.Has(domain.ReasonBenchmarkDeviation) {
			c.SuspiciousValueCount++
		}
		if f.Reasons.Has(domain.ReasonBenchmarkDeviation) {
			c.BenchmarkDeviationCount++
		}
		if f.Reasons.Has(domain.ReasonCrossRateMismatch) {
			c.CrossRateMismatchCount++
		}
	}

	for _, run := range in.StaleRuns {
		c := &get(run.ValidatorID).card
		c.StaleRunCount++
		c.MaxStaleRunLength = max(c.MaxStaleRunLength, run.Length)
	}
	for _, s := range in.StaleScores {
		c := &get(s.ValidatorID).card
		c.MaxStaleScore = max(c.MaxStaleScore, s.Score)
	}

	for _, s := range in.Confidence {
		c := &get(s.ValidatorID).card
		c.ConfidenceCount = s.Count
		c.ConfidenceDistinct = s.Distinct
		c.ConfidenceStdDev = s.StdDev
		c.FixedConfidence = s.Fixed
	}
	for _, r := range in.Responsiveness {
		a := get(r.ValidatorID)
		if r.Correlation.Valid {
			a.corrs = append(a.corrs, r.Correlation.Float64)
		}
		if r.Low {
			a.card.LowResponsivePairs++
		}
	}

	for _, p := range in.Collusion {
		for _, side := range [2][2]string{{p.ValidatorA, p.ValidatorB}, {p.ValidatorB, p.ValidatorA}} {
			a := get(side[0])
			if p.MatchingFraction > a.card.CollusionScore {
				a.card.CollusionScore = p.MatchingFraction
			}
			if p.Suspicious {
				a.partners[side[1]] = struct{}{}
			}
		}
	}

	for _, ev := range in.Extremes {
		for _, v := range ev.Validators {
			get(v).card.ExtremeEventCount++
		}
	}

	for _, ts := range in.Timing {
		c := &get(ts.ValidatorID).card
		c.MeanAbsTimingOffset = ts.MeanAbsOffset
		c.MedianAbsTimingOffset = ts.MedianAbsOffset
		c.TimingCluster = ts.ClusterID
	}

	for _, cs := range in.Cadence {
		c := &get(cs.ValidatorID).card
		c.ExpectedSlots = cs.ExpectedSlots
		c.PresentSlots = cs.PresentSlots
		c.MissingRatio = cs.MissingRatio
		c.IrregularGaps = cs.Irregular
		c.BurstCount = cs.Bursts
	}

	out := make([]domain.ValidatorScorecard, 0, len(acc))
	for _, a := range acc {
		a.card.SuspiciousPartners = len(a.partners)
		a.card.MeanBenchmarkDeviation = numeric.NullMean(a.deviations)
		a.card.MeanResponsiveness = numeric.NullMean(a.corrs)
		out = append(out, a.card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidatorID < out[j].ValidatorID })
	return out
}

type metric func(domain.ValidatorScorecard) sql.NullFloat64

func count(n int) sql.NullFloat64 { return sql.NullFloat64{Float64: float64(n), Valid: true} }

func ratio(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

var metrics = map[string]metric{
	"total_submissions":        func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.TotalSubmissions) },
	"missing_ratio":            func(s domain.ValidatorScorecard) sql.NullFloat64 { return ratio(s.MissingRatio) },
	"stale_runs":               func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.StaleRunCount) },
	"max_stale_run":            func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.MaxStaleRunLength) },
	"max_stale_score":          func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.MaxStaleScore) },
	"suspicious_values":        func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.SuspiciousValueCount) },
	"benchmark_deviations":     func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.BenchmarkDeviationCount) },
	"mean_benchmark_deviation": func(s domain.ValidatorScorecard) sql.NullFloat64 { return s.MeanBenchmarkDeviation },
	"cross_rate_mismatches":    func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.CrossRateMismatchCount) },
	"confidence_distinct":      func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.ConfidenceDistinct) },
	"confidence_stddev":        func(s domain.ValidatorScorecard) sql.NullFloat64 { return s.ConfidenceStdDev },
	"mean_responsiveness":      func(s domain.ValidatorScorecard) sql.NullFloat64 { return s.MeanResponsiveness },
	"low_responsive_pairs":     func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.LowResponsivePairs) },
	"collusion_score":          func(s domain.ValidatorScorecard) sql.NullFloat64 { return ratio(s.CollusionScore) },
	"suspicious_partners":      func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.SuspiciousPartners) },
	"extreme_events":           func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.ExtremeEventCount) },
	"mean_abs_timing_offset":   func(s domain.ValidatorScorecard) sql.NullFloat64 { return s.MeanAbsTimingOffset },
	"median_abs_timing_offset": func(s domain.ValidatorScorecard) sql.NullFloat64 { return s.MedianAbsTimingOffset },
	"irregular_gaps":           func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.IrregularGaps) },
	"bursts":                   func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.BurstCount) },
	"anomalies":                func(s domain.ValidatorScorecard) sql.NullFloat64 { return count(s.AnomalyCount()) },
}

// Metrics lists the names accepted by SortScorecards.
func Metrics() []string {
	names := make([]string, 0, len(metrics)+1)
	names = append(names, "validator")
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return names
}

// SortScorecards orders rows by metric, highest first, null values last and validator id breaking
// ties. "validator" sorts by id ascending.
func SortScorecards(rows []domain.ValidatorScorecard, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "validator" {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ValidatorID < rows[j].ValidatorID })
		return nil
	}
	m, ok := metrics[name]
	if !ok {
		return fmt.Errorf("unknown scorecard metric %q", name)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := m(rows[i]), m(rows[j])
		switch {
		case a.Valid != b.Valid:
			return a.Valid
		case a.Valid && a.Float64 != b.Float64:
			return a.Float64 > b.Float64
		}
		return rows[i].ValidatorID < rows[j].ValidatorID
	})
	return nil
}
