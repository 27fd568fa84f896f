package domain

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point exponent of raw submitted prices (scale 10^18).
const PriceDecimals = 18

// Quote is one pair's raw price and declared confidence within a submission.
type Quote struct {
	Price      decimal.NullDecimal
	Confidence sql.NullInt64
}

// DecimalPrice converts the raw fixed-point price; null stays null.
func (q Quote) DecimalPrice() decimal.NullDecimal {
	return ToDecimalPrice(q.Price)
}

// Float returns the decimal price as float64 and whether it is present.
func (q Quote) Float() (float64, bool) {
	p := q.DecimalPrice()
	if !p.Valid {
		return 0, false
	}
	return p.Decimal.InexactFloat64(), true
}

// ToDecimalPrice divides a raw price by 10^18 exactly. A null input is never coerced to zero.
func ToDecimalPrice(raw decimal.NullDecimal) decimal.NullDecimal {
	if !raw.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(raw.Decimal.Shift(-PriceDecimals))
}

// SubmissionRecord is one row per (validator, timestamp).
type SubmissionRecord struct {
	ValidatorID string
	// Timestamp is the zero time when the source value could not be parsed.
	Timestamp time.Time
	Quotes    []Quote
	Source    string
}

// HasTimestamp reports whether the timestamp parsed.
func (r SubmissionRecord) HasTimestamp() bool {
	return !r.Timestamp.IsZero()
}

// Date is the UTC calendar day of the submission.
func (r SubmissionRecord) Date() time.Time {
	t := r.Timestamp.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Weekday uses Monday=0 ... Sunday=6.
func (r SubmissionRecord) Weekday() int {
	return ISOWeekday(r.Timestamp)
}

// IsWeekend reports Saturday (5) or Sunday (6).
func (r SubmissionRecord) IsWeekend() bool {
	return r.Weekday() >= 5
}

// ISOWeekday maps t to Monday=0 ... Sunday=6 in UTC.
func ISOWeekday(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}

// SubmissionTable is the uniform in-memory table produced by the loader.
type SubmissionTable struct {
	Schema  *Schema
	Records []SubmissionRecord
	Stats   LoadStats
}

// Validators returns the distinct validator ids in first-seen order.
func (t *SubmissionTable) Validators() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, r := range t.Records {
		if _, ok := seen[r.ValidatorID]; ok {
			continue
		}
		seen[r.ValidatorID] = struct{}{}
		out = append(out, r.ValidatorID)
	}
	return out
}

// Window returns the earliest and latest parsed timestamps; ok is false when none parsed.
func (t *SubmissionTable) Window() (from, to time.Time, ok bool) {
	for _, r := range t.Records {
		if !r.HasTimestamp() {
			continue
		}
		if !ok || r.Timestamp.Before(from) {
			from = r.Timestamp
		}
		if !ok || r.Timestamp.After(to) {
			to = r.Timestamp
		}
		ok = true
	}
	return from, to, ok
}

// LoadStats counts what the loader read, dropped and why.
type LoadStats struct {
	Sources        int
	SkippedSources map[string]string
	Rows           int
	DroppedRows    int
	NullTimestamps int
	DropReasons    map[string]int
}

// NewLoadStats returns zeroed stats with initialised maps.
func NewLoadStats() LoadStats {
	return LoadStats{
		SkippedSources: make(map[string]string),
		DropReasons:    make(map[string]int),
	}
}

// Drop records a dropped row under reason.
func (s *LoadStats) Drop(reason string) {
	s.DroppedRows++
	s.DropReasons[reason]++
}
