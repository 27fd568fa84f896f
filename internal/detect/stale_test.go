package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func staleSeries(t *testing.T, values []string) *Index {
	t.Helper()
	f := newFixture(t, plainPairs("NTN-USD")...)
	for i, v := range values {
		f.add("v1", at(30*i), v)
	}
	return f.index()
}

func TestStaleRunOfThirtyFive(t *testing.T) {
	values := append(repeat("1.25", 35), "1.26")
	res, report := Stale(staleSeries(t, values), DefaultStaleConfig())

	require.Len(t, res.Runs, 1)
	run := res.Runs[0]
	assert.Equal(t, 35, run.Length)
	assert.Equal(t, "NTN-USD", run.Pair)
	assert.Equal(t, at(0), run.Start)
	assert.Equal(t, at(30*34), run.End)
	assert.InDelta(t, 1.25, run.Value, 1e-12)
	assert.Equal(t, 1, report.Flags)
	assert.Equal(t, 36, report.Evaluated)
}

func TestStaleBelowMinimum(t *testing.T) {
	values := append(repeat("1.25", 29), "1.26")
	res, _ := Stale(staleSeries(t, values), DefaultStaleConfig())
	assert.Empty(t, res.Runs)
	assert.Empty(t, res.Scores)
}

func TestStaleNullBreaksRun(t *testing.T) {
	values := append(repeat("2", 20), "")
	values = append(values, repeat("2", 20)...)

	res, report := Stale(staleSeries(t, values), DefaultStaleConfig())
	assert.Empty(t, res.Runs, "null 应打断连续序列")
	assert.Equal(t, 1, report.Reasons["null_price"])

	res, _ = Stale(staleSeries(t, values), StaleConfig{MinRunLength: 10})
	require.Len(t, res.Runs, 2)
	assert.Equal(t, 20, res.Runs[0].Length)
	assert.Equal(t, 20, res.Runs[1].Length)
}

func TestStaleBreakOnGap(t *testing.T) {
	f := newFixture(t, plainPairs("NTN-USD")...)
	for i := 0; i < 15; i++ {
		f.add("v1", at(30*i), "3")
	}
	for i := 0; i < 15; i++ {
		f.add("v1", at(3600+30*i), "3")
	}
	ix := f.index()

	res, _ := Stale(ix, StaleConfig{MinRunLength: 10})
	require.Len(t, res.Runs, 1)
	assert.Equal(t, 30, res.Runs[0].Length)

	res, _ = Stale(ix, StaleConfig{MinRunLength: 10, BreakOnGap: 5 * time.Minute})
	require.Len(t, res.Runs, 2)
	assert.Equal(t, 15, res.Runs[0].Length)
	assert.Equal(t, 15, res.Runs[1].Length)
}

func TestStaleScores(t *testing.T) {
	f := newFixture(t, plainPairs("ATN-USD", "NTN-USD")...)
	for i := 0; i < 30; i++ {
		ntn := "5"
		if i >= 20 {
			ntn = fmt.Sprintf("5.%d", i)
		}
		f.add("v1", at(30*i), "1", ntn)
	}

	res, _ := Stale(f.index(), StaleConfig{MinRunLength: 20})
	require.Len(t, res.Runs, 2)
	require.Len(t, res.Scores, 30)
	assert.Equal(t, 2, res.Scores[0].Score)
	assert.Equal(t, 2, res.Scores[0].MaxScore)
	assert.Equal(t, 1, res.Scores[25].Score)
}

func TestStaleRunsAreMaximal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		values := rapid.SliceOfN(rapid.SampledFrom([]string{"1", "2", ""}), 1, 80).Draw(rt, "values")
		minLen := rapid.IntRange(1, 6).Draw(rt, "min")

		f := &fixture{}
		schema, err := newFixtureSchema("NTN-USD")
		if err != nil {
			rt.Fatal(err)
		}
		f.schema = schema
		for i, v := range values {
			f.add("v1", at(30*i), v)
		}
		res, _ := Stale(f.index(), StaleConfig{MinRunLength: minLen})

		expected := 0
		for i := 0; i < len(values); {
			j := i
			for j < len(values) && values[j] == values[i] {
				j++
			}
			if values[i] != "" && j-i >= minLen {
				expected++
			}
			i = j
		}
		if len(res.Runs) != expected {
			rt.Fatalf("runs = %d, want %d", len(res.Runs), expected)
		}

		for _, run := range res.Runs {
			first := int(run.Start.Sub(t0) / (30 * time.Second))
			last := int(run.End.Sub(t0) / (30 * time.Second))
			if last-first+1 != run.Length || run.Length < minLen {
				rt.Fatalf("run length %d does not span [%d,%d]", run.Length, first, last)
			}
			for k := first; k <= last; k++ {
				if values[k] != values[first] {
					rt.Fatalf("run mixes values at %d", k)
				}
			}
			if first > 0 && values[first-1] == values[first] {
				rt.Fatalf("run starting at %d is not maximal", first)
			}
			if last+1 < len(values) && values[last+1] == values[first] {
				rt.Fatalf("run ending at %d is not maximal", last)
			}
		}
	})
}
