package domain

import (
	"database/sql"
	"time"
)

// StaleRun is a maximal run of bit-identical prices for one validator and pair.
type StaleRun struct {
	ValidatorID string
	Pair        string
	Start       time.Time
	End         time.Time
	Length      int
	Value       float64
}

// StaleScore counts pairs inside an active stale run at one submission timestamp.
type StaleScore struct {
	ValidatorID string
	Timestamp   time.Time
	Score       int
	MaxScore    int
}

// ConfidenceStats summarises a validator's pooled confidence values.
type ConfidenceStats struct {
	ValidatorID string
	Count       int
	Min         sql.NullInt64
	Max         sql.NullInt64
	Mean        sql.NullFloat64
	StdDev      sql.NullFloat64
	Distinct    int
	Fixed       bool
}

// Responsiveness is the correlation between |price change| and confidence for one validator and pair.
type Responsiveness struct {
	ValidatorID string
	Pair        string
	Samples     int
	// Correlation is null when undefined ("no signal"), never zero by default.
	Correlation sql.NullFloat64
	Low         bool
}

// CollusionPair is the pairwise agreement evidence between two validators on one pair.
type CollusionPair struct {
	Pair             string
	ValidatorA       string
	ValidatorB       string
	Overlap          int
	Matches          int
	MatchingFraction float64
	Suspicious       bool
}

// ExtremeEvent is a timestamp at which several validators were simultaneously extreme on a pair.
type ExtremeEvent struct {
	Pair       string
	Timestamp  time.Time
	Median     float64
	Count      int
	Validators []string
}

// TimingStats aggregates a validator's offsets from round medians.
type TimingStats struct {
	ValidatorID     string
	Rounds          int
	MeanOffset      sql.NullFloat64
	MeanAbsOffset   sql.NullFloat64
	MedianAbsOffset sql.NullFloat64
	// ClusterID is 0 when the validator shares no timing cluster.
	ClusterID int
}

// SlotCoverage reports presence for one expected submission slot.
type SlotCoverage struct {
	Slot         time.Time
	Present      int
	Active       int
	Fraction     float64
	FullyCovered bool
}

// CadenceStats summarises one validator's coverage and inter-submission gaps.
type CadenceStats struct {
	ValidatorID   string
	ExpectedSlots int
	PresentSlots  int
	MissingRatio  float64
	Gaps          int
	OnSchedule    int
	Irregular     int
	Bursts        int
}

// DetectorReport records how many records a detector evaluated versus skipped and why.
type DetectorReport struct {
	Name      string
	Evaluated int
	Skipped   int
	Reasons   map[string]int
	Flags     int
	Duration  time.Duration
}

// NewDetectorReport returns a report with an initialised reasons map.
func NewDetectorReport(name string) DetectorReport {
	return DetectorReport{Name: name, Reasons: make(map[string]int)}
}

// Skip records one skipped unit under reason.
func (r *DetectorReport) Skip(reason string) {
	r.Skipped++
	r.Reasons[reason]++
}

// SkipN records n skipped units under reason.
func (r *DetectorReport) SkipN(reason string, n int) {
	if n <= 0 {
		return
	}
	r.Skipped += n
	r.Reasons[reason] += n
}
