package domain

import (
	"database/sql"
	"sort"
	"strings"
	"time"
)

// Reason is one entry of the fixed finding taxonomy.
type Reason string

const (
	ReasonNullPrice          Reason = "NullPrice"
	ReasonNonPositivePrice   Reason = "NonPositivePrice"
	ReasonExcessiveMagnitude Reason = "ExcessiveMagnitude"
	ReasonBenchmarkDeviation Reason = "BenchmarkDeviation"
	ReasonCrossRateMismatch  Reason = "CrossRateMismatch"
	ReasonFixedConfidence    Reason = "FixedConfidence"
	ReasonLowResponsiveness  Reason = "LowResponsiveness"
	ReasonSubmissionBurst    Reason = "SubmissionBurst"
)

// AllReasons lists the taxonomy in a stable order.
func AllReasons() []Reason {
	return []Reason{
		ReasonNullPrice,
		ReasonNonPositivePrice,
		ReasonExcessiveMagnitude,
		ReasonBenchmarkDeviation,
		ReasonCrossRateMismatch,
		ReasonFixedConfidence,
		ReasonLowResponsiveness,
		ReasonSubmissionBurst,
	}
}

// Reasons is a set of simultaneous reasons carried by one flag.
type Reasons []Reason

// Has reports membership.
func (rs Reasons) Has(r Reason) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// String joins reasons with "|" in sorted order.
func (rs Reasons) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Flag is an immutable finding. Evidence fields are null when not applicable.
type Flag struct {
	Timestamp         time.Time
	ValidatorID       string
	Pair              string
	Reasons           Reasons
	Value             sql.NullFloat64
	Reference         sql.NullFloat64
	RelativeDeviation sql.NullFloat64
	Correlation       sql.NullFloat64
	Count             sql.NullInt64
}

// SortFlags orders flags by timestamp, validator, then pair.
func SortFlags(flags []Flag) {
	sort.SliceStable(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ValidatorID != b.ValidatorID {
			return a.ValidatorID < b.ValidatorID
		}
		return a.Pair < b.Pair
	})
}

// NullFloat wraps a defined float.
func NullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

// NullInt wraps a defined integer.
func NullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}
