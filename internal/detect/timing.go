package detect

import (
	"math"
	"sort"
	"time"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/numeric"
)

// TimingConfig tunes round grouping and timing clusters.
type TimingConfig struct {
	RoundWindow     time.Duration
	ClusterDistance time.Duration
	MinSharedRounds int
}

// DefaultTimingConfig returns the documented defaults.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		RoundWindow:     15 * time.Second,
		ClusterDistance: time.Second,
		MinSharedRounds: 10,
	}
}

type stamped struct {
	validator string
	ts        time.Time
}

// Timing groups all submissions into rounds, measures each validator's offset from the round
// median and links validators whose offsets track each other closely.
func Timing(ix *Index, cfg TimingConfig) ([]domain.TimingStats, domain.DetectorReport) {
	start := time.Now()
	report := domain.NewDetectorReport("timing")
	report.SkipN("null_timestamp", ix.Untimed)

	var all []stamped
	for _, v := range ix.Validators {
		for _, ri := range ix.ByValidator[v] {
			all = append(all, stamped{validator: v, ts: ix.Record(ri).Timestamp})
		}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].ts.Before(all[b].ts) })

	// offsets[validator][round] is the first offset seen in that round, in seconds.
	offsets := make(map[string]map[int]float64, len(ix.Validators))
	samples := make(map[string][]float64, len(ix.Validators))
	for _, rd := range groupRounds(all, cfg.RoundWindow) {
		nanos := make([]float64, len(rd.members))
		for k, m := range rd.members {
			nanos[k] = float64(m.ts.UnixNano())
		}
		med, _ := numeric.Median(nanos)
		for _, m := range rd.members {
			report.Evaluated++
			off := (float64(m.ts.UnixNano()) - med) / float64(time.Second)
			samples[m.validator] = append(samples[m.validator], off)
			if offsets[m.validator] == nil {
				offsets[m.validator] = make(map[int]float64)
			}
			if _, seen := offsets[m.validator][rd.id]; !seen {
				offsets[m.validator][rd.id] = off
			}
		}
	}

	clusters := clusterValidators(ix.Validators, offsets, cfg)
	out := make([]domain.TimingStats, 0, len(ix.Validators))
	for _, v := range ix.Validators {
		row := domain.TimingStats{ValidatorID: v, Rounds: len(offsets[v]), ClusterID: clusters[v]}
		offs := samples[v]
		if m, ok := numeric.Mean(offs); ok {
			abs := make([]float64, len(offs))
			for k, o := range offs {
				abs[k] = math.Abs(o)
			}
			meanAbs, _ := numeric.Mean(abs)
			medAbs, _ := numeric.Median(abs)
			row.MeanOffset = domain.NullFloat(m)
			row.MeanAbsOffset = domain.NullFloat(meanAbs)
			row.MedianAbsOffset = domain.NullFloat(medAbs)
		}
		out = append(out, row)
	}

	ids := make(map[int]struct{})
	for _, id := range clusters {
		ids[id] = struct{}{}
	}
	report.Flags = len(ids)
	report.Duration = time.Since(start)
	return out, report
}

type round struct {
	id      int
	members []stamped
}

// groupRounds groups time-sorted submissions while they stay within window of the round's first one.
func groupRounds(sorted []stamped, window time.Duration) []round {
	var rounds []round
	for _, s := range sorted {
		n := len(rounds)
		if n > 0 && s.ts.Sub(rounds[n-1].members[0].ts) <= window {
			rounds[n-1].members = append(rounds[n-1].members, s)
			continue
		}
		rounds = append(rounds, round{id: n, members: []stamped{s}})
	}
	return rounds
}

// clusterValidators returns cluster ids (1-based, in validator order) for connected components of
// size two or more; unclustered validators are absent.
func clusterValidators(validators []string, offsets map[string]map[int]float64, cfg TimingConfig) map[string]int {
	parent := make([]int, len(validators))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	limit := cfg.ClusterDistance.Seconds()
	for i := range validators {
		oi := offsets[validators[i]]
		for j := i + 1; j < len(validators); j++ {
			oj := offsets[validators[j]]
			shared, sum := 0, 0.0
			for r, a := range oi {
				b, ok := oj[r]
				if !ok {
					continue
				}
				shared++
				sum += math.Abs(a - b)
			}
			if shared == 0 || shared < cfg.MinSharedRounds || sum/float64(shared) > limit {
				continue
			}
			ri, rj := find(i), find(j)
			if ri != rj {
				parent[max(ri, rj)] = min(ri, rj)
			}
		}
	}

	size := make(map[int]int)
	for i := range validators {
		size[find(i)]++
	}
	ids := make(map[int]int)
	out := make(map[string]int)
	for i, v := range validators {
		root := find(i)
		if size[root] < 2 {
			continue
		}
		if _, ok := ids[root]; !ok {
			ids[root] = len(ids) + 1
		}
		out[v] = ids[root]
	}
	return out
}
