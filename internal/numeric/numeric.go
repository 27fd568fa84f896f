// Package numeric holds the float statistics shared by the detectors and the scorecard fold.
package numeric

import (
	"database/sql"
	"math"
	"sort"
)

// Mean of values; ok is false when empty.
func Mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

// SampleStdDev uses the n-1 denominator; undefined below two samples.
func SampleStdDev(values []float64) sql.NullFloat64 {
	n := len(values)
	if n < 2 {
		return sql.NullFloat64{}
	}
	m, _ := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return sql.NullFloat64{Float64: math.Sqrt(sumSq / float64(n-1)), Valid: true}
}

// Median of values without mutating the input; ok is false when empty.
func Median(values []float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2, true
	}
	return sorted[n/2], true
}

// Pearson returns the correlation of xs and ys. It is null ("no signal") with fewer than two
// samples or when either series has zero variance.
func Pearson(xs, ys []float64) sql.NullFloat64 {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return sql.NullFloat64{}
	}
	mx, _ := Mean(xs)
	my, _ := Mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx := xs[i] - mx
		dy := ys[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return sql.NullFloat64{}
	}
	r := sxy / math.Sqrt(sxx*syy)
	if math.IsNaN(r) {
		return sql.NullFloat64{}
	}
	// clamp rounding drift
	r = math.Max(-1, math.Min(1, r))
	return sql.NullFloat64{Float64: r, Valid: true}
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// NullMean is Mean as a nullable value, null when values is empty.
func NullMean(values []float64) sql.NullFloat64 {
	m, ok := Mean(values)
	return sql.NullFloat64{Float64: m, Valid: ok}
}
