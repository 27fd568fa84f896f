package detect

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/align"
	"oracle-audit/internal/domain"
)

type staticAlignments struct {
	byPair map[int]*align.Alignment
	errs   map[int]error
}

func (s staticAlignments) Alignment(pairIdx int) (*align.Alignment, error) {
	if err := s.errs[pairIdx]; err != nil {
		return nil, err
	}
	return s.byPair[pairIdx], nil
}

func rangePairs() []domain.Pair {
	return []domain.Pair{
		domain.NewPair("EUR-USD", decimal.NewFromInt(3), "EURUSD"),
		domain.NewPair("ATN-USD", decimal.NewFromInt(1000), ""),
	}
}

func TestRangeReasons(t *testing.T) {
	f := newFixture(t, rangePairs()...)
	f.add("v1", at(0), "1.10", "5")
	f.add("v2", at(0), "1.50", "")
	f.add("v3", at(0), "4", "-1")
	f.add("v4", at(600), "1.10", "1001")
	table := f.table()

	series := &domain.BenchmarkSeries{Pair: "EUR-USD", Points: []domain.BenchmarkPoint{
		{Pair: "EUR-USD", Timestamp: at(10), Close: 1.10},
	}}
	source := staticAlignments{byPair: map[int]*align.Alignment{
		0: align.AlignPair(table, 0, align.New(series, align.DefaultTolerance)),
	}}

	flags, report := Range(NewIndex(table), source, DefaultRangeConfig())
	domain.SortFlags(flags)
	require.Len(t, flags, 5)

	byKey := make(map[string]domain.Flag)
	for _, fl := range flags {
		byKey[fl.ValidatorID+"/"+fl.Pair] = fl
	}

	dev := byKey["v2/EUR-USD"]
	assert.Equal(t, domain.Reasons{domain.ReasonBenchmarkDeviation}, dev.Reasons)
	assert.InDelta(t, 0.4/1.1, dev.RelativeDeviation.Float64, 1e-9)
	assert.InDelta(t, 1.10, dev.Reference.Float64, 1e-12)

	assert.Equal(t, domain.Reasons{domain.ReasonNullPrice}, byKey["v2/ATN-USD"].Reasons)
	assert.False(t, byKey["v2/ATN-USD"].Value.Valid)

	merged := byKey["v3/EUR-USD"]
	assert.True(t, merged.Reasons.Has(domain.ReasonExcessiveMagnitude))
	assert.True(t, merged.Reasons.Has(domain.ReasonBenchmarkDeviation))
	assert.Equal(t, "BenchmarkDeviation|ExcessiveMagnitude", merged.Reasons.String())

	assert.Equal(t, domain.Reasons{domain.ReasonNonPositivePrice}, byKey["v3/ATN-USD"].Reasons)
	assert.Equal(t, domain.Reasons{domain.ReasonExcessiveMagnitude}, byKey["v4/ATN-USD"].Reasons)

	_, flagged := byKey["v4/EUR-USD"]
	assert.False(t, flagged, "超出容差的观测只做数值检查")
	assert.Equal(t, 1, report.Reasons["no_benchmark_match"])
	assert.Equal(t, 1, report.Reasons["null_price"])
	assert.Equal(t, 8, report.Evaluated)
}

func TestRangeBenchmarkUnavailable(t *testing.T) {
	f := newFixture(t, rangePairs()...)
	f.add("v1", at(0), "1.10", "5")
	f.add("v2", at(0), "9", "5")

	source := staticAlignments{errs: map[int]error{0: domain.ErrBenchmarkUnavailable}}
	flags, report := Range(f.index(), source, DefaultRangeConfig())

	require.Len(t, flags, 1)
	assert.Equal(t, domain.Reasons{domain.ReasonExcessiveMagnitude}, flags[0].Reasons)
	assert.Equal(t, 2, report.Reasons["benchmark_unavailable"])
}
