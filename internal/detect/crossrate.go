package detect

import (
	"time"

	"github.com/shopspring/decimal"

	"oracle-audit/internal/domain"
)

var crossRateEpsilon = decimal.New(1, -18)

// Triangle names three tracked pairs where Cross = Base × Quote, e.g. NTN-USD = NTN-ATN × ATN-USD.
type Triangle struct {
	Base  string
	Quote string
	Cross string
}

// CrossRateConfig tunes the cross-rate consistency detector.
type CrossRateConfig struct {
	Triangle  Triangle
	Tolerance decimal.Decimal
}

// DefaultCrossRateConfig returns the documented defaults.
func DefaultCrossRateConfig() CrossRateConfig {
	return CrossRateConfig{
		Triangle:  Triangle{Base: "NTN-ATN", Quote: "ATN-USD", Cross: "NTN-USD"},
		Tolerance: decimal.RequireFromString("0.10"),
	}
}

// CrossRateDiff returns the estimated cross rate and |estimated − reported| / (|reported| + 1e-18).
func CrossRateDiff(base, quote, reported decimal.Decimal) (estimated, relative decimal.Decimal) {
	estimated = base.Mul(quote)
	diff := estimated.Sub(reported).Abs()
	relative = diff.Div(reported.Abs().Add(crossRateEpsilon))
	return estimated, relative
}

// CrossRate flags submissions whose reported cross rate departs from the product of its legs by
// strictly more than the tolerance. Submissions missing any leg are skipped.
func CrossRate(ix *Index, cfg CrossRateConfig) ([]domain.Flag, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("cross_rate")
	report.SkipN("null_timestamp", ix.Untimed)

	schema := ix.Table.Schema
	bi, okB := schema.Index(cfg.Triangle.Base)
	qi, okQ := schema.Index(cfg.Triangle.Quote)
	ci, okC := schema.Index(cfg.Triangle.Cross)
	if !okB || !okQ || !okC {
		report.SkipN("triangle_not_tracked", len(ix.Table.Records)-ix.Untimed)
		report.Duration = time.Since(start)
		return nil, report
	}

	var flags []domain.Flag
	for _, v := range ix.Validators {
		for _, ri := range ix.ByValidator[v] {
			rec := ix.Record(ri)
			base := rec.Quotes[bi].DecimalPrice()
			quote := rec.Quotes[qi].DecimalPrice()
			cross := rec.Quotes[ci].DecimalPrice()
			if !base.Valid || !quote.Valid || !cross.Valid {
				report.Skip("missing_leg")
				continue
			}
			report.Evaluated++

			estimated, relative := CrossRateDiff(base.Decimal, quote.Decimal, cross.Decimal)
			if !relative.GreaterThan(cfg.Tolerance) {
				continue
			}
			flags = append(flags, domain.Flag{
				Timestamp:         rec.Timestamp,
				ValidatorID:       rec.ValidatorID,
				Pair:              cfg.Triangle.Cross,
				Reasons:           domain.Reasons{domain.ReasonCrossRateMismatch},
				Value:             domain.NullFloat(cross.Decimal.InexactFloat64()),
				Reference:         domain.NullFloat(estimated.InexactFloat64()),
				RelativeDeviation: domain.NullFloat(relative.InexactFloat64()),
			})
		}
	}

	report.Flags = len(flags)
	report.Duration = time.Since(start)
	return flags, report
}
