package detect

import (
	"time"

	"github.com/shopspring/decimal"

	"oracle-audit/internal/domain"
)

// StaleConfig tunes the stale-run detector.
type StaleConfig struct {
	MinRunLength int
	// BreakOnGap also ends a run when two consecutive submissions are further apart than this.
	// Zero disables it: only a changed or null value breaks a run.
	BreakOnGap time.Duration
}

// DefaultStaleConfig returns the documented defaults.
func DefaultStaleConfig() StaleConfig {
	return StaleConfig{MinRunLength: 30}
}

// StaleResult carries the runs and the per-submission stale scores.
type StaleResult struct {
	Runs []domain.StaleRun
	// Scores holds only timestamps covered by at least one run.
	Scores []domain.StaleScore
}

type runState struct {
	value  decimal.Decimal
	first  int
	length int
}

// Stale finds maximal runs of identical prices in submission order, one pass per
// (validator, pair) series.
func Stale(ix *Index, cfg StaleConfig) (StaleResult, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("stale")
	report.SkipN("null_timestamp", ix.Untimed)

	minLen := cfg.MinRunLength
	if minLen < 1 {
		minLen = 1
	}
	pairs := ix.Pairs()

	var res StaleResult
	for _, v := range ix.Validators {
		series := ix.ByValidator[v]
		covered := make([]int, len(series))

		for pi, pair := range pairs {
			var cur *runState
			flush := func(end int) {
				if cur == nil || cur.length < minLen {
					return
				}
				res.Runs = append(res.Runs, domain.StaleRun{
					ValidatorID: v,
					Pair:        pair.Name,
					Start:       ix.Record(series[cur.first]).Timestamp,
					End:         ix.Record(series[end]).Timestamp,
					Length:      cur.length,
					Value:       cur.value.InexactFloat64(),
				})
				for k := cur.first; k <= end; k++ {
					covered[k]++
				}
			}

			for k, ri := range series {
				rec := ix.Record(ri)
				price := rec.Quotes[pi].DecimalPrice()
				if !price.Valid {
					report.Skip("null_price")
					flush(k - 1)
					cur = nil
					continue
				}
				report.Evaluated++

				gapBreak := false
				if cur != nil && cfg.BreakOnGap > 0 && k > 0 {
					prev := ix.Record(series[k-1]).Timestamp
					gapBreak = rec.Timestamp.Sub(prev) > cfg.BreakOnGap
				}
				if cur != nil && !gapBreak && cur.value.Equal(price.Decimal) {
					cur.length++
					continue
				}
				flush(k - 1)
				cur = &runState{value: price.Decimal, first: k, length: 1}
			}
			flush(len(series) - 1)
		}

		for k, n := range covered {
			if n == 0 {
				continue
			}
			res.Scores = append(res.Scores, domain.StaleScore{
				ValidatorID: v,
				Timestamp:   ix.Record(series[k]).Timestamp,
				Score:       n,
				MaxScore:    len(pairs),
			})
		}
	}

	report.Flags = len(res.Runs)
	report.Duration = time.Since(start)
	return res, report
}
