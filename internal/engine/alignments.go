package engine

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"oracle-audit/internal/align"
	"oracle-audit/internal/domain"
)

type alignEntry struct {
	alignment *align.Alignment
	err       error
}

// alignmentCache computes each pair's alignment once and shares it read-only.
type alignmentCache struct {
	table      *domain.SubmissionTable
	benchmarks map[string]*domain.BenchmarkSeries
	failures   map[string]error
	tolerance  time.Duration
	entries    *xsync.Map[int, alignEntry]
}

func newAlignmentCache(table *domain.SubmissionTable, benchmarks map[string]*domain.BenchmarkSeries, failures map[string]error, tolerance time.Duration) *alignmentCache {
	return &alignmentCache{
		table:      table,
		benchmarks: benchmarks,
		failures:   failures,
		tolerance:  tolerance,
		entries:    xsync.NewMap[int, alignEntry](),
	}
}

// Alignment implements detect.AlignmentSource.
func (c *alignmentCache) Alignment(pairIdx int) (*align.Alignment, error) {
	entry, _ := c.entries.LoadOrCompute(pairIdx, func() (alignEntry, bool) {
		return c.compute(pairIdx), false
	})
	return entry.alignment, entry.err
}

func (c *alignmentCache) compute(pairIdx int) alignEntry {
	pair := c.table.Schema.Pairs[pairIdx]
	if !pair.Benchmarked() {
		return alignEntry{}
	}
	if err := c.failures[pair.Name]; err != nil {
		return alignEntry{err: err}
	}
	series, ok := c.benchmarks[pair.Name]
	if !ok || series == nil {
		return alignEntry{err: domain.ErrBenchmarkUnavailable}
	}
	return alignEntry{alignment: align.AlignPair(c.table, pairIdx, align.New(series, c.tolerance))}
}

// all returns the successful alignments in pair order, computing any not yet requested.
func (c *alignmentCache) all(pairs int) []*align.Alignment {
	var out []*align.Alignment
	for i := 0; i < pairs; i++ {
		if al, err := c.Alignment(i); err == nil && al != nil {
			out = append(out, al)
		}
	}
	return out
}
