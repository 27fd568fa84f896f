package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/domain"
)

func TestCoverageSlotsAndCadence(t *testing.T) {
	f := newFixture(t, plainPairs("ATN-USD", "NTN-USD")...)
	for i := 0; i < 5; i++ {
		f.add("v1", at(30*i), "1", "2")
	}
	f.add("v2", at(0), "1", "2")
	f.add("v2", at(30), "1", "2")
	f.add("v2", at(90), "1", "")
	f.add("v2", at(120), "1", "2")

	res, report := Coverage(f.index(), DefaultCoverageConfig())
	require.Len(t, res.Slots, 5)
	assert.True(t, res.Slots[0].FullyCovered)
	assert.False(t, res.Slots[2].FullyCovered)
	assert.InDelta(t, 0.5, res.Slots[3].Fraction, 1e-12)
	assert.Equal(t, 2, res.Slots[4].Active)
	assert.Equal(t, 1, report.Reasons["incomplete_submission"])

	require.Len(t, res.Cadence, 2)
	v1, v2 := res.Cadence[0], res.Cadence[1]
	assert.Equal(t, 5, v1.PresentSlots)
	assert.Equal(t, 0.0, v1.MissingRatio)
	assert.Equal(t, 4, v1.OnSchedule)
	assert.Equal(t, 0, v1.Irregular)

	assert.Equal(t, 3, v2.PresentSlots)
	assert.InDelta(t, 0.4, v2.MissingRatio, 1e-12)
	assert.Equal(t, 3, v2.Gaps)
	assert.Equal(t, 1, v2.Irregular)
	assert.Empty(t, res.Flags)
}

func TestCoverageBurst(t *testing.T) {
	f := newFixture(t, plainPairs("ATN-USD")...)
	for i := 0; i < 5; i++ {
		f.add("v1", at(10*i), "1")
	}
	f.add("v1", at(120), "1")

	res, _ := Coverage(f.index(), DefaultCoverageConfig())
	bursts := flagsWith(res.Flags, domain.ReasonSubmissionBurst)
	require.Len(t, bursts, 1)
	assert.Equal(t, t0, bursts[0].Timestamp)
	assert.Equal(t, int64(5), bursts[0].Count.Int64)
	assert.Equal(t, 1, res.Cadence[0].Bursts)
}

func TestCoverageIgnoresRecordsOutsideWindow(t *testing.T) {
	f := newFixture(t, plainPairs("ATN-USD")...)
	for _, v := range []string{"v1", "v2", "v3"} {
		for i := 0; i < 10; i++ {
			f.add(v, at(30*i), "1")
		}
	}
	f.add("v1", t0.AddDate(-1, 0, 0), "1")

	cfg := DefaultCoverageConfig()
	cfg.From, cfg.To = t0, t0.Add(5*time.Minute)
	res, report := Coverage(f.index(), cfg)

	require.Len(t, res.Slots, 10)
	assert.Equal(t, t0, res.Slots[0].Slot)
	for _, s := range res.Slots {
		assert.True(t, s.FullyCovered)
	}
	require.Len(t, res.Cadence, 3)
	for _, c := range res.Cadence {
		assert.Equal(t, 10, c.ExpectedSlots, c.ValidatorID)
		assert.Equal(t, 0.0, c.MissingRatio, c.ValidatorID)
		assert.Equal(t, 9, c.Gaps, c.ValidatorID)
		assert.Equal(t, 0, c.Irregular, c.ValidatorID)
	}
	assert.Equal(t, 1, report.Reasons["outside_window"])
	assert.Equal(t, 30, report.Evaluated)
}

func TestCoveragePartialTrailingSlot(t *testing.T) {
	f := newFixture(t, plainPairs("ATN-USD")...)
	f.add("v1", at(0), "1")
	f.add("v1", at(30), "1")
	f.add("v1", at(60), "1")
	f.add("v1", at(90), "1")

	cfg := DefaultCoverageConfig()
	cfg.From, cfg.To = t0, at(75)
	res, report := Coverage(f.index(), cfg)

	require.Len(t, res.Slots, 3)
	assert.Equal(t, 0.0, res.Cadence[0].MissingRatio)
	assert.Equal(t, 1, report.Reasons["outside_window"])
}

func TestOnSchedule(t *testing.T) {
	assert.True(t, OnSchedule(30*time.Second, 30*time.Second, 0.05))
	assert.True(t, OnSchedule(31*time.Second, 30*time.Second, 0.05))
	assert.False(t, OnSchedule(32*time.Second, 30*time.Second, 0.05))
	assert.False(t, OnSchedule(60*time.Second, 30*time.Second, 0.05))
}
