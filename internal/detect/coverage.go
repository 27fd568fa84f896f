package detect

import (
	"math"
	"sort"
	"time"

	"oracle-audit/internal/domain"
)

// CoverageConfig tunes slot coverage, cadence regularity and burst detection.
type CoverageConfig struct {
	Cadence     time.Duration
	MinFraction float64
	// CadenceTolerance is the accepted relative deviation of a gap from Cadence.
	CadenceTolerance float64
	MaxPerMinute     int
	// From and To bound the slot grid as [From, To). A zero bound falls back to the observed
	// timestamps.
	From time.Time
	To   time.Time
}

// DefaultCoverageConfig returns the documented defaults.
func DefaultCoverageConfig() CoverageConfig {
	return CoverageConfig{
		Cadence:          30 * time.Second,
		MinFraction:      0.90,
		CadenceTolerance: 0.05,
		MaxPerMinute:     4,
	}
}

// CoverageResult holds slot coverage, per-validator cadence and burst flags.
type CoverageResult struct {
	Slots   []domain.SlotCoverage
	Cadence []domain.CadenceStats
	Flags   []domain.Flag
}

// Coverage lays cadence-sized slots over the analysed window and measures which validators filled
// them with complete submissions.
func Coverage(ix *Index, cfg CoverageConfig) (CoverageResult, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("coverage")
	report.SkipN("null_timestamp", ix.Untimed)

	var res CoverageResult
	first, nSlots, inWindow := slotGrid(ix, cfg)
	if nSlots <= 0 {
		report.Skip("empty_window")
		report.Duration = time.Since(start)
		return res, report
	}
	present := make([]int, nSlots)
	active := len(ix.Validators)

	for _, v := range ix.Validators {
		series := ix.ByValidator[v]
		filled := make(map[int]struct{})
		perMinute := make(map[time.Time]int)
		stats := domain.CadenceStats{ValidatorID: v, ExpectedSlots: nSlots}

		var prev *domain.SubmissionRecord
		for _, ri := range series {
			rec := ix.Record(ri)
			if !inWindow(rec.Timestamp) {
				report.Skip("outside_window")
				continue
			}
			report.Evaluated++
			if complete(rec) {
				filled[int(rec.Timestamp.Truncate(cfg.Cadence).Sub(first)/cfg.Cadence)] = struct{}{}
			} else {
				report.Skip("incomplete_submission")
			}
			perMinute[rec.Timestamp.Truncate(time.Minute)]++

			if prev != nil {
				stats.Gaps++
				if OnSchedule(rec.Timestamp.Sub(prev.Timestamp), cfg.Cadence, cfg.CadenceTolerance) {
					stats.OnSchedule++
				} else {
					stats.Irregular++
				}
			}
			prev = rec
		}

		for slot := range filled {
			present[slot]++
		}
		stats.PresentSlots = len(filled)
		stats.MissingRatio = 1 - float64(stats.PresentSlots)/float64(nSlots)

		minutes := make([]time.Time, 0, len(perMinute))
		for m, n := range perMinute {
			if n > cfg.MaxPerMinute {
				minutes = append(minutes, m)
			}
		}
		sort.Slice(minutes, func(a, b int) bool { return minutes[a].Before(minutes[b]) })
		for _, m := range minutes {
			stats.Bursts++
			res.Flags = append(res.Flags, domain.Flag{
				Timestamp:   m,
				ValidatorID: v,
				Reasons:     domain.Reasons{domain.ReasonSubmissionBurst},
				Count:       domain.NullInt(int64(perMinute[m])),
			})
		}
		res.Cadence = append(res.Cadence, stats)
	}

	res.Slots = make([]domain.SlotCoverage, nSlots)
	for i := range res.Slots {
		frac := 0.0
		if active > 0 {
			frac = float64(present[i]) / float64(active)
		}
		res.Slots[i] = domain.SlotCoverage{
			Slot:         first.Add(time.Duration(i) * cfg.Cadence),
			Present:      present[i],
			Active:       active,
			Fraction:     frac,
			FullyCovered: active > 0 && frac >= cfg.MinFraction,
		}
	}

	report.Flags = len(res.Flags)
	report.Duration = time.Since(start)
	return res, report
}

// slotGrid returns the first slot, the slot count and the membership test of the analysed window.
// Without configured bounds the grid spans the first to the last timestamped record.
func slotGrid(ix *Index, cfg CoverageConfig) (time.Time, int, func(time.Time) bool) {
	if cfg.Cadence <= 0 {
		return time.Time{}, 0, nil
	}
	from, to := cfg.From, cfg.To
	if from.IsZero() || to.IsZero() {
		lo, hi, ok := ix.Table.Window()
		if !ok {
			return time.Time{}, 0, nil
		}
		if from.IsZero() {
			from = lo
		}
		if to.IsZero() {
			to = hi.Truncate(cfg.Cadence).Add(cfg.Cadence)
		}
	}
	if !from.Before(to) {
		return time.Time{}, 0, nil
	}

	first := from.Truncate(cfg.Cadence)
	n := int((to.Sub(first) + cfg.Cadence - 1) / cfg.Cadence)
	inWindow := func(ts time.Time) bool {
		return !ts.Before(from) && ts.Before(to)
	}
	return first, n, inWindow
}

// OnSchedule reports whether gap lies within ±tolerance of cadence.
func OnSchedule(gap, cadence time.Duration, tolerance float64) bool {
	return math.Abs(float64(gap-cadence)) <= tolerance*float64(cadence)
}

func complete(rec *domain.SubmissionRecord) bool {
	for _, q := range rec.Quotes {
		if !q.Price.Valid {
			return false
		}
	}
	return true
}
