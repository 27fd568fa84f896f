package numeric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMeanAndMedian(t *testing.T) {
	_, ok := Mean(nil)
	assert.False(t, ok)
	assert.False(t, NullMean(nil).Valid)

	m, ok := Mean([]float64{1, 2, 6})
	require.True(t, ok)
	assert.InDelta(t, 3.0, m, 1e-12)
	assert.InDelta(t, 3.0, NullMean([]float64{1, 2, 6}).Float64, 1e-12)

	values := []float64{5, 1, 3, 2}
	med, ok := Median(values)
	require.True(t, ok)
	assert.InDelta(t, 2.5, med, 1e-12)
	assert.Equal(t, []float64{5, 1, 3, 2}, values, "input must stay unsorted")
}

func TestSampleStdDev(t *testing.T) {
	assert.False(t, SampleStdDev([]float64{4}).Valid)
	sd := SampleStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.True(t, sd.Valid)
	assert.InDelta(t, 2.138, sd.Float64, 1e-3)
}

func TestPearsonNullWithoutVariance(t *testing.T) {
	assert.False(t, Pearson([]float64{1, 1, 1}, []float64{1, 2, 3}).Valid)
	assert.False(t, Pearson([]float64{1}, []float64{1}).Valid)

	r := Pearson([]float64{1, 2, 3}, []float64{2, 4, 6})
	require.True(t, r.Valid)
	assert.InDelta(t, 1.0, r.Float64, 1e-12)
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite(0))
	assert.False(t, Finite(math.NaN()))
	assert.False(t, Finite(math.Inf(-1)))
}

func TestPearsonStaysInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 40).Draw(rt, "n")
		xs := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), n, n).Draw(rt, "xs")
		ys := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), n, n).Draw(rt, "ys")

		r := Pearson(xs, ys)
		if r.Valid && (r.Float64 < -1 || r.Float64 > 1) {
			rt.Fatalf("correlation %v out of [-1, 1]", r.Float64)
		}
	})
}
