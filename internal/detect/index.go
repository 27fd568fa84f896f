// Package detect holds the stateless data-quality detectors. Every detector reads the shared
// Index and returns its own output rows plus a DetectorReport; none mutates its input.
package detect

import (
	"sort"
	"time"

	"oracle-audit/internal/align"
	"oracle-audit/internal/domain"
)

// Index groups record positions per validator in submission-time order. Built once per run and
// shared read-only by all detectors.
type Index struct {
	Table       *domain.SubmissionTable
	Validators  []string
	ByValidator map[string][]int
	Untimed     int
}

// NewIndex builds the index. Records without a timestamp are counted and left out.
func NewIndex(table *domain.SubmissionTable) *Index {
	ix := &Index{Table: table, ByValidator: make(map[string][]int)}
	for i, r := range table.Records {
		if !r.HasTimestamp() {
			ix.Untimed++
			continue
		}
		ix.ByValidator[r.ValidatorID] = append(ix.ByValidator[r.ValidatorID], i)
	}
	for v, idx := range ix.ByValidator {
		sort.SliceStable(idx, func(a, b int) bool {
			return table.Records[idx[a]].Timestamp.Before(table.Records[idx[b]].Timestamp)
		})
		ix.Validators = append(ix.Validators, v)
	}
	sort.Strings(ix.Validators)
	return ix
}

// Pairs is the schema's pair list.
func (ix *Index) Pairs() []domain.Pair {
	return ix.Table.Schema.Pairs
}

// Record returns the record at position i.
func (ix *Index) Record(i int) *domain.SubmissionRecord {
	return &ix.Table.Records[i]
}

// AlignmentSource hands out the shared per-pair benchmark alignment. A nil alignment with a nil
// error means the pair is not benchmarked.
type AlignmentSource interface {
	Alignment(pairIdx int) (*align.Alignment, error)
}

// bucket truncates ts when width is positive; zero keeps exact timestamps.
func bucket(ts time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return ts
	}
	return ts.Truncate(width)
}
