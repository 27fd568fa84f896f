package detect

import (
	"database/sql"
	"math"
	"time"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/numeric"
)

// ConfidenceConfig tunes the confidence-anomaly detector.
type ConfidenceConfig struct {
	// ResponsivenessThreshold flags defined correlations with |r| strictly below it.
	ResponsivenessThreshold float64
}

// DefaultConfidenceConfig returns the documented defaults.
func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{ResponsivenessThreshold: 0.1}
}

// ConfidenceResult holds both independent checks.
type ConfidenceResult struct {
	Dispersion     []domain.ConfidenceStats
	Responsiveness []domain.Responsiveness
	Flags          []domain.Flag
}

// Confidence runs the dispersion and responsiveness checks per validator.
func Confidence(ix *Index, cfg ConfidenceConfig) (ConfidenceResult, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("confidence")
	report.SkipN("null_timestamp", ix.Untimed)

	var res ConfidenceResult
	for _, v := range ix.Validators {
		series := ix.ByValidator[v]
		first := ix.Record(series[0]).Timestamp

		stats := Dispersion(v, pooledConfidences(ix, series, &report))
		res.Dispersion = append(res.Dispersion, stats)
		if stats.Fixed {
			res.Flags = append(res.Flags, domain.Flag{
				Timestamp:   first,
				ValidatorID: v,
				Reasons:     domain.Reasons{domain.ReasonFixedConfidence},
				Value:       stats.Mean,
				Count:       domain.NullInt(int64(stats.Count)),
			})
		}

		for pi, pair := range ix.Pairs() {
			xs, ys := responsivenessSamples(ix, series, pi)
			row := domain.Responsiveness{
				ValidatorID: v,
				Pair:        pair.Name,
				Samples:     len(xs),
				Correlation: numeric.Pearson(xs, ys),
			}
			if !row.Correlation.Valid {
				report.Skip("no_signal")
			} else if math.Abs(row.Correlation.Float64) < cfg.ResponsivenessThreshold {
				row.Low = true
				res.Flags = append(res.Flags, domain.Flag{
					Timestamp:   first,
					ValidatorID: v,
					Pair:        pair.Name,
					Reasons:     domain.Reasons{domain.ReasonLowResponsiveness},
					Correlation: row.Correlation,
					Count:       domain.NullInt(int64(row.Samples)),
				})
			}
			res.Responsiveness = append(res.Responsiveness, row)
		}
	}

	report.Flags = len(res.Flags)
	report.Duration = time.Since(start)
	return res, report
}

func pooledConfidences(ix *Index, series []int, report *domain.DetectorReport) []int64 {
	var out []int64
	for _, ri := range series {
		for _, q := range ix.Record(ri).Quotes {
			if !q.Confidence.Valid {
				report.Skip("null_confidence")
				continue
			}
			report.Evaluated++
			out = append(out, q.Confidence.Int64)
		}
	}
	return out
}

// Dispersion summarises one validator's pooled confidence values. A validator with no declared
// confidence gets count 0, null statistics and is not flagged.
func Dispersion(validator string, values []int64) domain.ConfidenceStats {
	stats := domain.ConfidenceStats{ValidatorID: validator, Count: len(values)}
	if len(values) == 0 {
		return stats
	}

	floats := make([]float64, len(values))
	distinct := make(map[int64]struct{}, 8)
	lo, hi := values[0], values[0]
	for i, c := range values {
		floats[i] = float64(c)
		distinct[c] = struct{}{}
		lo = min(lo, c)
		hi = max(hi, c)
	}
	m, _ := numeric.Mean(floats)

	stats.Min = sql.NullInt64{Int64: lo, Valid: true}
	stats.Max = sql.NullInt64{Int64: hi, Valid: true}
	stats.Mean = domain.NullFloat(m)
	stats.StdDev = numeric.SampleStdDev(floats)
	stats.Distinct = len(distinct)
	stats.Fixed = stats.Distinct <= 1 || (stats.StdDev.Valid && stats.StdDev.Float64 == 0)
	return stats
}

// responsivenessSamples pairs |Δprice| between consecutive submissions with the confidence declared
// at the later one. Any null or non-finite member drops that sample.
func responsivenessSamples(ix *Index, series []int, pi int) (xs, ys []float64) {
	for k := 1; k < len(series); k++ {
		prev := ix.Record(series[k-1]).Quotes[pi].DecimalPrice()
		cur := ix.Record(series[k]).Quotes[pi]
		price := cur.DecimalPrice()
		if !prev.Valid || !price.Valid || !cur.Confidence.Valid {
			continue
		}
		x := price.Decimal.Sub(prev.Decimal).Abs().InexactFloat64()
		y := float64(cur.Confidence.Int64)
		if !numeric.Finite(x) || !numeric.Finite(y) {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	return xs, ys
}
