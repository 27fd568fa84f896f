package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/engine"
)

var t0 = time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func sampleResult() *engine.Result {
	report := domain.NewDetectorReport("range")
	report.Evaluated = 4
	report.SkipN("benchmark_unavailable", 2)
	report.SkipN("missing_leg", 1)
	report.Flags = 1
	report.Duration = 1500 * time.Microsecond

	return &engine.Result{
		Flags: []domain.Flag{{
			Timestamp:   t0,
			ValidatorID: "val-a",
			Pair:        "EUR-USD",
			Reasons:     domain.Reasons{domain.ReasonExcessiveMagnitude, domain.ReasonBenchmarkDeviation},
			Value:       domain.NullFloat(4.2),
			Reference:   domain.NullFloat(1.05),
		}},
		StaleRuns: []domain.StaleRun{{ValidatorID: "val-a", Pair: "NTN-USD", Start: t0, End: t0.Add(time.Hour), Length: 31, Value: 10}},
		Scorecards: []domain.ValidatorScorecard{
			{ValidatorID: "val-a", TotalSubmissions: 10, StaleRunCount: 1, SuspiciousValueCount: 1},
			{ValidatorID: "val-b", TotalSubmissions: 12},
		},
		Reports: []domain.DetectorReport{report},
	}
}

func TestWriteTablesWritesEveryOutput(t *testing.T) {
	dir := t.TempDir()
	paths, err := WriteTables(dir, Tables(sampleResult()))
	require.NoError(t, err)
	require.Len(t, paths, 11)

	for _, name := range []string{
		"flags", "stale_runs", "stale_scores", "collusion_pairs", "extreme_events", "confidence",
		"responsiveness", "timing", "coverage_slots", "scorecards", "detectors",
	} {
		assert.FileExists(t, filepath.Join(dir, name+".csv"))
	}

	flags := readCSV(t, filepath.Join(dir, "flags.csv"))
	require.Len(t, flags, 2)
	assert.Equal(t, []string{"2024-12-02T00:00:00Z", "val-a", "EUR-USD", "BenchmarkDeviation|ExcessiveMagnitude", "4.2", "1.05", "", "", ""}, flags[1])

	cards := readCSV(t, filepath.Join(dir, "scorecards.csv"))
	require.Len(t, cards, 3)
	header := cards[0]
	assert.Equal(t, "validator", header[0])
	assert.Equal(t, "anomalies", header[len(header)-1])
	assert.Equal(t, "2", cards[1][len(header)-1])
	assert.Equal(t, "", cards[2][10], "null mean deviation renders empty")

	detectors := readCSV(t, filepath.Join(dir, "detectors.csv"))
	assert.Equal(t, []string{"range", "4", "3", "benchmark_unavailable=2|missing_leg=1", "1", "1"}, detectors[1])

	empty := readCSV(t, filepath.Join(dir, "extreme_events.csv"))
	assert.Len(t, empty, 1, "empty tables still carry a header")
}

func TestDownsampleSlotsKeepsEnds(t *testing.T) {
	slots := make([]domain.SlotCoverage, 100)
	for i := range slots {
		slots[i] = domain.SlotCoverage{Slot: t0.Add(time.Duration(i) * 30 * time.Second)}
	}

	out := DownsampleSlots(slots, 10)
	require.Len(t, out, 10)
	assert.Equal(t, slots[0].Slot, out[0].Slot)
	assert.Equal(t, slots[99].Slot, out[9].Slot)
	assert.Len(t, DownsampleSlots(slots, 0), 100)
	assert.Len(t, DownsampleSlots(slots[:5], 10), 5)
}

func TestWriteCharts(t *testing.T) {
	dir := t.TempDir()
	pngMagic := []byte("\x89PNG")

	bars := filepath.Join(dir, "anomalies.png")
	require.NoError(t, WriteAnomalyChart(bars, sampleResult().Scorecards))
	body, err := os.ReadFile(bars)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, pngMagic))

	slots := make([]domain.SlotCoverage, 20)
	for i := range slots {
		slots[i] = domain.SlotCoverage{Slot: t0.Add(time.Duration(i) * 30 * time.Second), Fraction: 1, Present: 3, Active: 3}
	}
	cov := filepath.Join(dir, "coverage.png")
	require.NoError(t, WriteCoverageChart(cov, slots, 0.9, 10))
	body, err = os.ReadFile(cov)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, pngMagic))

	require.ErrorIs(t, WriteCoverageChart(cov, slots[:1], 0.9, 10), ErrNotEnoughPoints)
	require.ErrorIs(t, WriteAnomalyChart(bars, nil), ErrNotEnoughPoints)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0xAbCd..7890", shortID("0xAbCd000000000000000000000000000000007890"))
	assert.Equal(t, "val-a", shortID("val-a"))
}
