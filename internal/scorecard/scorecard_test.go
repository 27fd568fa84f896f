package scorecard

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/domain"
)

func TestBuildNeutralDefaults(t *testing.T) {
	table := &domain.SubmissionTable{Records: []domain.SubmissionRecord{
		{ValidatorID: "b", Timestamp: time.Unix(0, 0)},
		{ValidatorID: "a", Timestamp: time.Unix(30, 0)},
		{ValidatorID: "a", Timestamp: time.Unix(60, 0)},
	}}

	cards := Build(Inputs{Table: table})
	require.Len(t, cards, 2)
	assert.Equal(t, "a", cards[0].ValidatorID)
	assert.Equal(t, 2, cards[0].TotalSubmissions)
	assert.Zero(t, cards[0].AnomalyCount())
	assert.False(t, cards[0].MeanResponsiveness.Valid, "未运行的检测不应伪装成通过")
	assert.False(t, cards[0].ConfidenceStdDev.Valid)
	assert.False(t, cards[0].MeanAbsTimingOffset.Valid)
}

func TestBuildFoldsDetectorOutputs(t *testing.T) {
	in := Inputs{
		Flags: []domain.Flag{
			{ValidatorID: "a", Reasons: domain.Reasons{domain.ReasonBenchmarkDeviation, domain.ReasonExcessiveMagnitude}},
			{ValidatorID: "a", Reasons: domain.Reasons{domain.ReasonCrossRateMismatch}},
			{ValidatorID: "a", Reasons: domain.Reasons{domain.ReasonNullPrice}},
		},
		StaleRuns: []domain.StaleRun{
			{ValidatorID: "a", Length: 31},
			{ValidatorID: "a", Length: 40},
		},
		StaleScores: []domain.StaleScore{{ValidatorID: "a", Score: 2, MaxScore: 9}},
		Confidence:  []domain.ConfidenceStats{{ValidatorID: "b", Count: 10, Distinct: 1, Fixed: true}},
		Responsiveness: []domain.Responsiveness{
			{ValidatorID: "b", Correlation: sql.NullFloat64{Float64: 0.05, Valid: true}, Low: true},
			{ValidatorID: "b", Correlation: sql.NullFloat64{Float64: 0.45, Valid: true}},
			{ValidatorID: "b"},
		},
		Collusion: []domain.CollusionPair{
			{ValidatorA: "a", ValidatorB: "b", MatchingFraction: 0.8, Suspicious: true},
			{ValidatorA: "a", ValidatorB: "c", MatchingFraction: 0.2},
		},
		Extremes: []domain.ExtremeEvent{{Validators: []string{"b", "c"}}},
		Timing:   []domain.TimingStats{{ValidatorID: "c", MeanAbsOffset: sql.NullFloat64{Float64: 1.5, Valid: true}, ClusterID: 2}},
		Cadence:  []domain.CadenceStats{{ValidatorID: "c", ExpectedSlots: 10, PresentSlots: 9, MissingRatio: 0.1, Irregular: 3, Bursts: 1}},
	}

	cards := Build(in)
	require.Len(t, cards, 3)
	a, b, c := cards[0], cards[1], cards[2]

	assert.Equal(t, 1, a.SuspiciousValueCount)
	assert.Equal(t, 1, a.BenchmarkDeviationCount)
	assert.Equal(t, 1, a.CrossRateMismatchCount)
	assert.Equal(t, 2, a.StaleRunCount)
	assert.Equal(t, 40, a.MaxStaleRunLength)
	assert.Equal(t, 2, a.MaxStaleScore)
	assert.Equal(t, 0.8, a.CollusionScore)
	assert.Equal(t, 1, a.SuspiciousPartners)

	assert.True(t, b.FixedConfidence)
	assert.Equal(t, 1, b.LowResponsivePairs)
	assert.InDelta(t, 0.25, b.MeanResponsiveness.Float64, 1e-12)
	assert.Equal(t, 1, b.ExtremeEventCount)
	assert.Equal(t, 1, b.SuspiciousPartners)

	assert.Equal(t, 0.2, c.CollusionScore)
	assert.Zero(t, c.SuspiciousPartners)
	assert.Equal(t, 2, c.TimingCluster)
	assert.Equal(t, 3, c.IrregularGaps)
	assert.Equal(t, 1, c.BurstCount)
	assert.Equal(t, 2, c.AnomalyCount())
}

func TestSortScorecards(t *testing.T) {
	rows := []domain.ValidatorScorecard{
		{ValidatorID: "a", StaleRunCount: 1},
		{ValidatorID: "b", StaleRunCount: 3, MeanResponsiveness: sql.NullFloat64{Float64: 0.2, Valid: true}},
		{ValidatorID: "c", StaleRunCount: 3},
	}

	require.NoError(t, SortScorecards(rows, "stale_runs"))
	assert.Equal(t, []string{"b", "c", "a"}, ids(rows))

	require.NoError(t, SortScorecards(rows, "mean_responsiveness"))
	assert.Equal(t, "b", rows[0].ValidatorID, "null 值排在最后")

	require.NoError(t, SortScorecards(rows, "validator"))
	assert.Equal(t, []string{"a", "b", "c"}, ids(rows))

	assert.Error(t, SortScorecards(rows, "nope"))
	assert.Contains(t, Metrics(), "collusion_score")
	assert.Equal(t, "validator", Metrics()[0])
}

func ids(rows []domain.ValidatorScorecard) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ValidatorID
	}
	return out
}
