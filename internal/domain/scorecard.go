package domain

import "database/sql"

// ValidatorScorecard is one row per validator folding every detector's output.
// Counts default to zero and metrics to null when a detector produced nothing for the validator.
type ValidatorScorecard struct {
	ValidatorID string

	TotalSubmissions int
	ExpectedSlots    int
	PresentSlots     int
	MissingRatio     float64

	StaleRunCount     int
	MaxStaleRunLength int
	MaxStaleScore     int

	SuspiciousValueCount    int
	BenchmarkDeviationCount int
	MeanBenchmarkDeviation  sql.NullFloat64
	CrossRateMismatchCount  int

	ConfidenceCount    int
	ConfidenceDistinct int
	ConfidenceStdDev   sql.NullFloat64
	FixedConfidence    bool
	MeanResponsiveness sql.NullFloat64
	LowResponsivePairs int

	CollusionScore     float64
	SuspiciousPartners int
	ExtremeEventCount  int

	MeanAbsTimingOffset   sql.NullFloat64
	MedianAbsTimingOffset sql.NullFloat64
	TimingCluster         int

	IrregularGaps int
	BurstCount    int
}

// AnomalyCount sums the anomaly counters used for ranking.
func (s ValidatorScorecard) AnomalyCount() int {
	n := s.StaleRunCount + s.SuspiciousValueCount + s.CrossRateMismatchCount +
		s.LowResponsivePairs + s.SuspiciousPartners + s.ExtremeEventCount + s.BurstCount
	if s.FixedConfidence {
		n++
	}
	return n
}
