package detect

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"oracle-audit/internal/domain"
)

// ExtremeConfig tunes the simultaneous-outlier detector.
type ExtremeConfig struct {
	// Threshold is the multiplicative distance from the pair median that makes a price extreme.
	Threshold float64
	MinGroup  int
	Bucket    time.Duration
}

// DefaultExtremeConfig returns the documented defaults.
func DefaultExtremeConfig() ExtremeConfig {
	return ExtremeConfig{Threshold: 2.0, MinGroup: 2}
}

type extremeHit struct {
	validator string
	ts        time.Time
}

// Extremes finds timestamps where at least MinGroup validators are simultaneously far from the
// pair's whole-window median.
func Extremes(ix *Index, cfg ExtremeConfig) ([]domain.ExtremeEvent, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("extremes")
	report.SkipN("null_timestamp", ix.Untimed)

	threshold := decimal.NewFromFloat(cfg.Threshold)
	var events []domain.ExtremeEvent
	for pi, pair := range ix.Pairs() {
		var prices []decimal.Decimal
		var owners []extremeHit
		for _, v := range ix.Validators {
			for _, ri := range ix.ByValidator[v] {
				rec := ix.Record(ri)
				p := rec.Quotes[pi].DecimalPrice()
				if !p.Valid {
					report.Skip("null_price")
					continue
				}
				prices = append(prices, p.Decimal)
				owners = append(owners, extremeHit{validator: v, ts: rec.Timestamp})
			}
		}
		if len(prices) == 0 {
			report.Skip("no_prices")
			continue
		}

		med := decimalMedian(prices)
		if !med.IsPositive() || !threshold.IsPositive() {
			report.SkipN("non_positive_median", len(prices))
			continue
		}
		upper := med.Mul(threshold)
		lower := med.Div(threshold)

		groups := make(map[time.Time][]string)
		for k, p := range prices {
			report.Evaluated++
			if !p.GreaterThan(upper) && !p.LessThan(lower) {
				continue
			}
			ts := bucket(owners[k].ts, cfg.Bucket)
			groups[ts] = append(groups[ts], owners[k].validator)
		}

		medF := med.InexactFloat64()
		for ts, vs := range groups {
			if len(vs) < cfg.MinGroup {
				continue
			}
			sort.Strings(vs)
			events = append(events, domain.ExtremeEvent{
				Pair:       pair.Name,
				Timestamp:  ts,
				Median:     medF,
				Count:      len(vs),
				Validators: vs,
			})
		}
	}

	sort.Slice(events, func(a, b int) bool {
		if !events[a].Timestamp.Equal(events[b].Timestamp) {
			return events[a].Timestamp.Before(events[b].Timestamp)
		}
		return events[a].Pair < events[b].Pair
	})
	report.Flags = len(events)
	report.Duration = time.Since(start)
	return events, report
}

func decimalMedian(values []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].LessThan(sorted[b]) })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}
