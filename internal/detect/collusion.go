package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alitto/pond/v2"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/numeric"
)

// CollusionConfig tunes the pairwise agreement detector.
type CollusionConfig struct {
	IdenticalThreshold float64
	MinFraction        float64
	// MinOverlap drops validators with fewer non-null prices and validator pairs sharing fewer
	// timestamps than this.
	MinOverlap int
	// Bucket truncates timestamps before matching; zero keys on exact timestamps.
	Bucket time.Duration
}

// DefaultCollusionConfig returns the documented defaults.
func DefaultCollusionConfig() CollusionConfig {
	return CollusionConfig{
		IdenticalThreshold: 1e-9,
		MinFraction:        0.75,
		MinOverlap:         1,
	}
}

// priceMatrix is the transient timestamp × validator table for one pair. Missing cells are NaN.
type priceMatrix struct {
	validators []string
	columns    [][]float64
}

// Collusion compares every unordered validator pair on every tracked pair. Rows of the pairwise
// triangle are sharded over pool; a nil pool runs them inline.
func Collusion(ctx context.Context, ix *Index, cfg CollusionConfig, pool pond.Pool) ([]domain.CollusionPair, domain.DetectorReport, error) {
	start := time.Now()
	report := domain.NewDetectorReport("collusion")
	report.SkipN("null_timestamp", ix.Untimed)

	var out []domain.CollusionPair
	for pi, pair := range ix.Pairs() {
		m := buildMatrix(ix, pi, cfg, &report)
		if len(m.validators) < 2 {
			report.Skip("too_few_validators")
			continue
		}

		rows := make([][]domain.CollusionPair, len(m.validators))
		skipped := make([]int, len(m.validators))
		compareRow := func(i int) {
			for j := i + 1; j < len(m.validators); j++ {
				row, ok := comparePair(m.columns[i], m.columns[j], cfg)
				if !ok {
					skipped[i]++
					continue
				}
				row.Pair = pair.Name
				row.ValidatorA = m.validators[i]
				row.ValidatorB = m.validators[j]
				rows[i] = append(rows[i], row)
			}
		}

		if pool == nil {
			for i := range m.validators {
				compareRow(i)
			}
		} else {
			group := pool.NewGroupContext(ctx)
			groupCtx := group.Context()
			for i := range m.validators {
				group.Submit(func() {
					if groupCtx.Err() != nil {
						return
					}
					compareRow(i)
				})
			}
			if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
				return nil, report, fmt.Errorf("compare validators on %s: %w", pair.Name, err)
			}
			if err := ctx.Err(); err != nil {
				return nil, report, fmt.Errorf("compare validators on %s: %w", pair.Name, err)
			}
		}

		for i := range rows {
			report.Evaluated += len(rows[i])
			report.SkipN("below_min_overlap", skipped[i])
			out = append(out, rows[i]...)
		}
	}

	for _, row := range out {
		if row.Suspicious {
			report.Flags++
		}
	}
	report.Duration = time.Since(start)
	return out, report, nil
}

func buildMatrix(ix *Index, pi int, cfg CollusionConfig, report *domain.DetectorReport) priceMatrix {
	slots := make(map[time.Time]int)
	var times []time.Time
	cells := make(map[string]map[time.Time]float64, len(ix.Validators))

	for _, v := range ix.Validators {
		col := make(map[time.Time]float64)
		for _, ri := range ix.ByValidator[v] {
			rec := ix.Record(ri)
			price, ok := rec.Quotes[pi].Float()
			if !ok || !numeric.Finite(price) {
				continue
			}
			ts := bucket(rec.Timestamp, cfg.Bucket)
			if _, dup := col[ts]; dup {
				report.Skip("bucket_collision")
				continue
			}
			col[ts] = price
			if _, seen := slots[ts]; !seen {
				slots[ts] = 0
				times = append(times, ts)
			}
		}
		if len(col) == 0 || len(col) < cfg.MinOverlap {
			if len(col) > 0 {
				report.Skip("below_min_overlap")
			}
			continue
		}
		cells[v] = col
	}

	sort.Slice(times, func(a, b int) bool { return times[a].Before(times[b]) })
	for i, ts := range times {
		slots[ts] = i
	}

	var m priceMatrix
	for _, v := range ix.Validators {
		col, ok := cells[v]
		if !ok {
			continue
		}
		dense := make([]float64, len(times))
		for i := range dense {
			dense[i] = math.NaN()
		}
		for ts, price := range col {
			dense[slots[ts]] = price
		}
		m.validators = append(m.validators, v)
		m.columns = append(m.columns, dense)
	}
	return m
}

// comparePair returns false when the pair shares fewer timestamps than MinOverlap.
func comparePair(a, b []float64, cfg CollusionConfig) (domain.CollusionPair, bool) {
	var row domain.CollusionPair
	for t := range a {
		if math.IsNaN(a[t]) || math.IsNaN(b[t]) {
			continue
		}
		row.Overlap++
		if math.Abs(a[t]-b[t]) < cfg.IdenticalThreshold {
			row.Matches++
		}
	}
	if row.Overlap < cfg.MinOverlap {
		return row, false
	}
	row.MatchingFraction = MatchingFraction(row.Matches, row.Overlap)
	row.Suspicious = row.Overlap > 0 && row.MatchingFraction >= cfg.MinFraction
	return row, true
}

// MatchingFraction is matches/overlap, and 0 when there is no overlap.
func MatchingFraction(matches, overlap int) float64 {
	if overlap == 0 {
		return 0
	}
	return float64(matches) / float64(overlap)
}
