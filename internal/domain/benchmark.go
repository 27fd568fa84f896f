package domain

import "time"

// BenchmarkPoint is one minute of an external reference series.
type BenchmarkPoint struct {
	Pair      string
	Timestamp time.Time
	Close     float64
	High      float64
	Low       float64
	Open      float64
	Volume    float64
}

// BenchmarkSeries is a pair's reference points ordered by timestamp.
type BenchmarkSeries struct {
	Pair    string
	Symbol  string
	Points  []BenchmarkPoint
	Files   int
	Dropped int
}

// AlignedObservation joins one submission's decimal price to its nearest benchmark point.
type AlignedObservation struct {
	Record int
	Pair   string
	Oracle float64
	// Match is nil when no benchmark point lies within tolerance.
	Match        *BenchmarkPoint
	RelativeDiff float64
}

// Matched reports whether a benchmark point was found.
func (o AlignedObservation) Matched() bool {
	return o.Match != nil
}
