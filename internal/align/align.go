package align

import (
	"math"
	"sort"
	"time"

	"oracle-audit/internal/domain"
)

// DefaultTolerance bounds nearest-time matching.
const DefaultTolerance = 30 * time.Second

// Aligner matches timestamps to the nearest point of one benchmark series.
type Aligner struct {
	points    []domain.BenchmarkPoint
	tolerance time.Duration
}

// New builds an aligner over points sorted ascending by timestamp.
func New(series *domain.BenchmarkSeries, tolerance time.Duration) *Aligner {
	if tolerance < 0 {
		tolerance = 0
	}
	var points []domain.BenchmarkPoint
	if series != nil {
		points = series.Points
	}
	return &Aligner{points: points, tolerance: tolerance}
}

// Match returns the benchmark point nearest to ts, or nil when the nearest lies beyond tolerance.
// A distance equal to the tolerance still matches. When the points before and after ts are
// equidistant the earlier point wins.
func (a *Aligner) Match(ts time.Time) *domain.BenchmarkPoint {
	n := len(a.points)
	if n == 0 {
		return nil
	}
	// first index with timestamp >= ts
	i := sort.Search(n, func(i int) bool {
		return !a.points[i].Timestamp.Before(ts)
	})

	best := -1
	var bestDist time.Duration
	if i > 0 {
		best = i - 1
		bestDist = ts.Sub(a.points[i-1].Timestamp)
	}
	if i < n {
		d := a.points[i].Timestamp.Sub(ts)
		if best < 0 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	if bestDist > a.tolerance {
		return nil
	}
	return &a.points[best]
}

// Alignment holds one pair's aligned observations keyed by record index. It is built once per run
// and shared read-only by every consumer.
type Alignment struct {
	Pair         string
	Observations []domain.AlignedObservation
	Unmatched    int
	byRecord     map[int]int
}

// Lookup returns the observation for a record index.
func (al *Alignment) Lookup(record int) (domain.AlignedObservation, bool) {
	if al == nil {
		return domain.AlignedObservation{}, false
	}
	i, ok := al.byRecord[record]
	if !ok {
		return domain.AlignedObservation{}, false
	}
	return al.Observations[i], true
}

// Matched counts observations with a benchmark point inside tolerance.
func (al *Alignment) Matched() int {
	return len(al.Observations) - al.Unmatched
}

// AlignPair aligns every record with a timestamp and a present price for the pair at pairIdx.
func AlignPair(table *domain.SubmissionTable, pairIdx int, aligner *Aligner) *Alignment {
	pair := table.Schema.Pairs[pairIdx].Name
	al := &Alignment{Pair: pair, byRecord: make(map[int]int)}
	for idx, r := range table.Records {
		if !r.HasTimestamp() {
			continue
		}
		price, ok := r.Quotes[pairIdx].Float()
		if !ok {
			continue
		}
		obs := domain.AlignedObservation{Record: idx, Pair: pair, Oracle: price}
		if m := aligner.Match(r.Timestamp); m != nil {
			obs.Match = m
			obs.RelativeDiff = RelativeDiff(price, m.Close)
		} else {
			al.Unmatched++
		}
		al.byRecord[idx] = len(al.Observations)
		al.Observations = append(al.Observations, obs)
	}
	return al
}

// RelativeDiff is |oracle - bench| / |bench|; +Inf when the benchmark is zero and the values differ.
func RelativeDiff(oracle, bench float64) float64 {
	diff := math.Abs(oracle - bench)
	if bench == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return diff / math.Abs(bench)
}
