//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"oracle-audit/internal/config"
	"oracle-audit/internal/domain"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("audit"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	store := NewStore(pool)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations must be re-runnable")
	return store
}

func sampleRun(from time.Time) Run {
	report := domain.NewDetectorReport("stale")
	report.Evaluated = 10
	report.SkipN("null_price", 2)
	report.Flags = 1

	return Run{
		Record: RunRecord{
			ID:          uuid.New(),
			From:        from,
			To:          from.Add(24 * time.Hour),
			StartedAt:   from.Add(25 * time.Hour),
			FinishedAt:  from.Add(25*time.Hour + time.Minute),
			Validators:  2,
			Submissions: 5760,
			Flags:       2,
		},
		Flags: []domain.Flag{
			{Timestamp: from, ValidatorID: "val-a", Pair: "EUR-USD", Reasons: domain.Reasons{domain.ReasonBenchmarkDeviation}, Value: domain.NullFloat(1.4), Reference: domain.NullFloat(1.05), RelativeDeviation: domain.NullFloat(0.333)},
			{Timestamp: from.Add(time.Minute), ValidatorID: "val-b", Reasons: domain.Reasons{domain.ReasonFixedConfidence}, Value: domain.NullFloat(100), Count: domain.NullInt(2880)},
		},
		StaleRuns: []domain.StaleRun{{ValidatorID: "val-a", Pair: "NTN-USD", Start: from, End: from.Add(time.Hour), Length: 120, Value: 10}},
		Collusion: []domain.CollusionPair{
			{Pair: "NTN-USD", ValidatorA: "val-a", ValidatorB: "val-b", Overlap: 2880, Matches: 2600, MatchingFraction: 2600.0 / 2880, Suspicious: true},
		},
		Extremes: []domain.ExtremeEvent{
			{Pair: "ATN-USD", Timestamp: from.Add(2 * time.Hour), Median: 0.5, Count: 3, Validators: []string{"val-a", "val-b", "val-c"}},
		},
		Scorecards: []domain.ValidatorScorecard{
			{ValidatorID: "val-a", TotalSubmissions: 2880, StaleRunCount: 1, SuspiciousValueCount: 1, MeanBenchmarkDeviation: domain.NullFloat(0.01)},
			{ValidatorID: "val-b", TotalSubmissions: 2880, FixedConfidence: true},
		},
		Reports: []domain.DetectorReport{report},
	}
}

func TestSaveAndReadRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	from := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)
	run := sampleRun(from)

	require.NoError(t, store.SaveRun(ctx, run))

	latest, err := store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.Record.ID, latest.ID)
	assert.True(t, latest.From.Equal(from))

	flags, err := store.ListFlags(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, "EUR-USD", flags[0].Pair)
	assert.True(t, flags[0].Reasons.Has(domain.ReasonBenchmarkDeviation))
	assert.False(t, flags[0].Count.Valid)
	assert.Equal(t, int64(2880), flags[1].Count.Int64)

	cards, err := store.ListScorecards(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.InDelta(t, 0.01, cards[0].MeanBenchmarkDeviation.Float64, 1e-12)
	assert.False(t, cards[1].MeanBenchmarkDeviation.Valid)
	assert.True(t, cards[1].FixedConfidence)

	reports, err := store.ListDetectorReports(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Reasons["null_price"])

	staleRuns, err := store.ListStaleRuns(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, staleRuns, 1)
	assert.Equal(t, 120, staleRuns[0].Length)
	assert.True(t, staleRuns[0].End.Equal(from.Add(time.Hour)))

	collusion, err := store.ListCollusionPairs(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, collusion, 1)
	assert.Equal(t, run.Collusion[0], collusion[0])

	extremes, err := store.ListExtremeEvents(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, extremes, 1)
	assert.Equal(t, []string{"val-a", "val-b", "val-c"}, extremes[0].Validators)
	assert.True(t, extremes[0].Timestamp.Equal(from.Add(2*time.Hour)))
}

func TestSaveRunReplacesSameWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	from := time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)

	first := sampleRun(from)
	require.NoError(t, store.SaveRun(ctx, first))
	second := sampleRun(from)
	require.NoError(t, store.SaveRun(ctx, second))

	runs, err := store.RunsBetween(ctx, from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, second.Record.ID, runs[0].ID)

	_, err = store.GetRun(ctx, first.Record.ID)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestWindowAdvisoryLock(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := WindowLockKey(0x6f617564, time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC))

	unlock, ok, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "second session must not acquire the same window")

	unlock()
	again, ok, err := store.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}
