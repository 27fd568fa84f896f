package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/config"
	"oracle-audit/internal/domain"
	"oracle-audit/internal/storage"
)

const submissionHeader = "Timestamp,Validator Address,ATN-USD Price,ATN-USD Confidence,NTN-USD Price,NTN-USD Confidence,NTN-ATN Price,NTN-ATN Confidence"

// writeDay writes one submission file with two validators reporting every 30s for ten minutes.
func writeDay(t *testing.T, dir string, day time.Time) {
	t.Helper()
	lines := []string{submissionHeader}
	for i := 0; i < 20; i++ {
		ts := day.Add(time.Duration(i) * 30 * time.Second).Format(time.RFC3339)
		atn := 1_000_000_000_000_000_000 + int64(i)*1_000_000_000_000_000
		lines = append(lines,
			fmt.Sprintf("%s,validator-a,%d,90,2000000000000000000,90,2000000000000000000,90", ts, atn),
			fmt.Sprintf("%s,validator-b,%d,%d,2000000000000000000,100,2000000000000000000,100", ts, atn, 80+i),
		)
	}
	name := fmt.Sprintf("Oracle_Submission_%s.csv", day.Format("2006-01-02"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func testApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))

	body := fmt.Sprintf(`
input:
  submissions: %q
pairs:
  - name: ATN-USD
    ceiling: 1000
  - name: NTN-USD
    ceiling: 1000
  - name: NTN-ATN
    ceiling: 1000
export:
  dir: %q
  charts: true
metrics:
  textfile_path: %q
`, filepath.Join(data, "Oracle_Submission_*.csv"), filepath.Join(dir, "out"), filepath.Join(dir, "audit.prom"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop()), dir
}

func TestAnalyzeDryRunWritesReports(t *testing.T) {
	a, dir := testApp(t)
	start := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	writeDay(t, filepath.Join(dir, "data"), start)

	res, err := a.Analyze(context.Background(), AnalyzeOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Scorecards, 2)
	assert.Equal(t, 40, res.Scorecards[0].TotalSubmissions+res.Scorecards[1].TotalSubmissions)
	assert.True(t, res.From.Equal(start))

	for _, name := range []string{"flags.csv", "scorecards.csv", "detectors.csv", "coverage_slots.csv", "anomalies.png"} {
		assert.FileExists(t, filepath.Join(dir, "out", name))
	}
	prom, err := os.ReadFile(filepath.Join(dir, "audit.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "oracle_audit_last_run_timestamp_seconds")
}

func TestAnalyzeStrayTimestampKeepsDayGrid(t *testing.T) {
	a, dir := testApp(t)
	start := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	writeDay(t, filepath.Join(dir, "data"), start)

	path := filepath.Join(dir, "data", "Oracle_Submission_2024-12-02.csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "%s,validator-a,1000000000000000000,90,2000000000000000000,90,2000000000000000000,90\n",
		start.AddDate(-1, 0, 0).Format(time.RFC3339))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := a.Analyze(context.Background(), AnalyzeOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.From.Equal(start))
	assert.Len(t, res.Slots, 2880)
	for _, r := range res.Reports {
		if r.Name == "coverage" {
			assert.Equal(t, 1, r.Reasons["outside_window"])
		}
	}
}

func TestAnalyzeWindowWithoutFiles(t *testing.T) {
	a, dir := testApp(t)
	writeDay(t, filepath.Join(dir, "data"), time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC))

	_, err := a.Analyze(context.Background(), AnalyzeOptions{
		From:   time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2024, 12, 6, 0, 0, 0, 0, time.UTC),
		DryRun: true,
	})
	require.ErrorIs(t, err, domain.ErrNoInputData)
}

func TestBackfillDryRunPerDay(t *testing.T) {
	a, dir := testApp(t)
	first := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	writeDay(t, filepath.Join(dir, "data"), first)
	writeDay(t, filepath.Join(dir, "data"), first.Add(2*day))

	err := a.Backfill(context.Background(), BackfillOptions{From: first, To: first.Add(3 * day), DryRun: true})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "out", "2024-12-02", "scorecards.csv"))
	assert.NoDirExists(t, filepath.Join(dir, "out", "2024-12-03"))
	assert.FileExists(t, filepath.Join(dir, "out", "2024-12-04", "scorecards.csv"))
}

func TestBackfillRejectsEmptyRange(t *testing.T) {
	a, _ := testApp(t)
	start := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	require.Error(t, a.Backfill(context.Background(), BackfillOptions{From: start, To: start, DryRun: true}))
}

func TestBackfillRequiresDatabase(t *testing.T) {
	a, _ := testApp(t)
	start := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	err := a.Backfill(context.Background(), BackfillOptions{From: start, To: start.Add(day)})
	require.Error(t, err)
}

func TestPrintScorecards(t *testing.T) {
	color.NoColor = true
	run := storage.RunRecord{
		ID:         uuid.MustParse("6f617564-0000-4000-8000-000000000001"),
		From:       time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC),
		To:         time.Date(2024, 12, 2, 23, 59, 30, 0, time.UTC),
		Validators: 2,
		Flags:      3,
	}
	cards := []domain.ValidatorScorecard{
		{ValidatorID: "val-a", TotalSubmissions: 2880, MissingRatio: 0.25, StaleRunCount: 2, MeanAbsTimingOffset: domain.NullFloat(1.5)},
		{ValidatorID: "val-b", FixedConfidence: true},
	}

	var buf bytes.Buffer
	require.NoError(t, printScorecards(&buf, run, cards))
	out := buf.String()

	assert.Contains(t, out, "Run 6f617564-0000-4000-8000-000000000001")
	assert.Contains(t, out, "validators=2 flags=3")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Regexp(t, `^val-a\s+2880\s+25\.00\s+2\s+0\s+0\s+no\s+0\.000\s+0\s+1\.5\s+0\s+2$`, lines[3])
	assert.Regexp(t, `^val-b\s+0\s+0\.00\s+0\s+0\s+0\s+yes\s+0\.000\s+0\s+-\s+0\s+1$`, lines[4])
}

func TestPrintRuns(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	runs := []storage.RunRecord{{ID: uuid.New(), Validators: 4, Submissions: 100, Flags: 0}}
	require.NoError(t, printRuns(&buf, runs))
	assert.Contains(t, buf.String(), runs[0].ID.String())
}

func TestResolveRunRejectsBadID(t *testing.T) {
	_, err := resolveRun(context.Background(), nil, "not-a-uuid")
	require.Error(t, err)
}

type memoryStore struct {
	storage.RunStore
	run storage.Run
}

func (m *memoryStore) ListFlags(context.Context, uuid.UUID) ([]domain.Flag, error) {
	return m.run.Flags, nil
}

func (m *memoryStore) ListStaleRuns(context.Context, uuid.UUID) ([]domain.StaleRun, error) {
	return m.run.StaleRuns, nil
}

func (m *memoryStore) ListCollusionPairs(context.Context, uuid.UUID) ([]domain.CollusionPair, error) {
	return m.run.Collusion, nil
}

func (m *memoryStore) ListExtremeEvents(context.Context, uuid.UUID) ([]domain.ExtremeEvent, error) {
	return m.run.Extremes, nil
}

func (m *memoryStore) ListScorecards(context.Context, uuid.UUID) ([]domain.ValidatorScorecard, error) {
	return m.run.Scorecards, nil
}

func (m *memoryStore) ListDetectorReports(context.Context, uuid.UUID) ([]domain.DetectorReport, error) {
	return m.run.Reports, nil
}

func TestExportRunWritesEveryStoredTable(t *testing.T) {
	a, dir := testApp(t)
	from := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	store := &memoryStore{run: storage.Run{
		Record:    storage.RunRecord{ID: uuid.New(), From: from, To: from.Add(day)},
		StaleRuns: []domain.StaleRun{{ValidatorID: "val-a", Pair: "NTN-USD", Start: from, End: from.Add(time.Hour), Length: 120, Value: 10}},
		Collusion: []domain.CollusionPair{{Pair: "NTN-USD", ValidatorA: "val-a", ValidatorB: "val-b", Overlap: 10, Matches: 9, MatchingFraction: 0.9, Suspicious: true}},
		Extremes:  []domain.ExtremeEvent{{Pair: "ATN-USD", Timestamp: from, Median: 0.5, Count: 3, Validators: []string{"val-a", "val-b", "val-c"}}},
		Scorecards: []domain.ValidatorScorecard{
			{ValidatorID: "val-a", StaleRunCount: 1},
		},
	}}

	out := filepath.Join(dir, "export")
	require.NoError(t, a.exportRun(context.Background(), store, store.run.Record, out, false))

	for _, name := range []string{"flags.csv", "stale_runs.csv", "collusion_pairs.csv", "extreme_events.csv", "scorecards.csv", "detectors.csv"} {
		assert.FileExists(t, filepath.Join(out, name))
	}
	body, err := os.ReadFile(filepath.Join(out, "extreme_events.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "val-a|val-b|val-c")
	body, err = os.ReadFile(filepath.Join(out, "collusion_pairs.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "NTN-USD,val-a,val-b,10,9")
}
