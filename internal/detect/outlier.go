package detect

import (
	"errors"
	"time"

	"oracle-audit/internal/domain"
)

// RangeConfig tunes the range/outlier detector.
type RangeConfig struct {
	// DeviationThreshold is the relative benchmark deviation above which an observation is flagged.
	DeviationThreshold float64
}

// DefaultRangeConfig returns the documented defaults.
func DefaultRangeConfig() RangeConfig {
	return RangeConfig{DeviationThreshold: 0.20}
}

// Range flags null, non-positive, over-ceiling and benchmark-deviating prices. Reasons found on the
// same observation are merged into one flag. Observations without a benchmark match still receive
// the value checks.
func Range(ix *Index, aligned AlignmentSource, cfg RangeConfig) ([]domain.Flag, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("range")
	report.SkipN("null_timestamp", ix.Untimed)

	var flags []domain.Flag
	for pi, pair := range ix.Pairs() {
		alignment, err := aligned.Alignment(pi)
		benchmarkErr := err
		if err == nil && alignment == nil && pair.Benchmarked() {
			benchmarkErr = domain.ErrBenchmarkUnavailable
		}

		for _, v := range ix.Validators {
			for _, ri := range ix.ByValidator[v] {
				rec := ix.Record(ri)
				report.Evaluated++
				quote := rec.Quotes[pi]

				price := quote.DecimalPrice()
				if !price.Valid {
					report.Skip("null_price")
					flags = append(flags, domain.Flag{
						Timestamp:   rec.Timestamp,
						ValidatorID: rec.ValidatorID,
						Pair:        pair.Name,
						Reasons:     domain.Reasons{domain.ReasonNullPrice},
					})
					continue
				}

				value := price.Decimal.InexactFloat64()
				var reasons domain.Reasons
				if !price.Decimal.IsPositive() {
					reasons = append(reasons, domain.ReasonNonPositivePrice)
				}
				if pair.Ceiling.IsPositive() && price.Decimal.GreaterThan(pair.Ceiling) {
					reasons = append(reasons, domain.ReasonExcessiveMagnitude)
				}

				flag := domain.Flag{
					Timestamp:   rec.Timestamp,
					ValidatorID: rec.ValidatorID,
					Pair:        pair.Name,
					Value:       domain.NullFloat(value),
				}

				if pair.Benchmarked() {
					switch {
					case benchmarkErr != nil:
						report.Skip(skipReason(benchmarkErr))
					default:
						obs, ok := alignment.Lookup(ri)
						if !ok || !obs.Matched() {
							report.Skip("no_benchmark_match")
							break
						}
						flag.Reference = domain.NullFloat(obs.Match.Close)
						flag.RelativeDeviation = domain.NullFloat(obs.RelativeDiff)
						if obs.RelativeDiff > cfg.DeviationThreshold {
							reasons = append(reasons, domain.ReasonBenchmarkDeviation)
						}
					}
				}

				if len(reasons) == 0 {
					continue
				}
				flag.Reasons = reasons
				flags = append(flags, flag)
			}
		}
	}

	report.Flags = len(flags)
	report.Duration = time.Since(start)
	return flags, report
}

func skipReason(err error) string {
	if errors.Is(err, domain.ErrBenchmarkUnavailable) {
		return "benchmark_unavailable"
	}
	return "benchmark_error"
}
