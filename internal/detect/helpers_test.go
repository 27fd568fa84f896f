package detect

import (
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"oracle-audit/internal/domain"
)

// 2024-12-02 is a Monday.
var t0 = time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

type fixture struct {
	schema  *domain.Schema
	records []domain.SubmissionRecord
}

func newFixture(t *testing.T, pairs ...domain.Pair) *fixture {
	t.Helper()
	schema, err := domain.NewSchema(pairs)
	require.NoError(t, err)
	return &fixture{schema: schema}
}

func plainPairs(names ...string) []domain.Pair {
	out := make([]domain.Pair, len(names))
	for i, n := range names {
		out[i] = domain.NewPair(n, decimal.Zero, "")
	}
	return out
}

// add appends a submission with confidence 100 on every pair. An empty price string is null.
func (f *fixture) add(validator string, ts time.Time, prices ...string) int {
	confs := make([]int64, len(prices))
	for i := range confs {
		confs[i] = 100
	}
	return f.addConf(validator, ts, confs, prices...)
}

func (f *fixture) addConf(validator string, ts time.Time, confs []int64, prices ...string) int {
	quotes := make([]domain.Quote, len(prices))
	for i, p := range prices {
		quotes[i].Price = rawPrice(p)
		if i < len(confs) {
			quotes[i].Confidence = sql.NullInt64{Int64: confs[i], Valid: true}
		}
	}
	f.records = append(f.records, domain.SubmissionRecord{
		ValidatorID: validator,
		Timestamp:   ts,
		Quotes:      quotes,
	})
	return len(f.records) - 1
}

func (f *fixture) table() *domain.SubmissionTable {
	return &domain.SubmissionTable{Schema: f.schema, Records: f.records, Stats: domain.NewLoadStats()}
}

func (f *fixture) index() *Index {
	return NewIndex(f.table())
}

// rawPrice scales a decimal string to the 10^18 fixed-point representation.
func rawPrice(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.RequireFromString(s).Shift(domain.PriceDecimals))
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func flagsWith(flags []domain.Flag, reason domain.Reason) []domain.Flag {
	var out []domain.Flag
	for _, f := range flags {
		if f.Reasons.Has(reason) {
			out = append(out, f)
		}
	}
	return out
}

func newFixtureSchema(names ...string) (*domain.Schema, error) {
	return domain.NewSchema(plainPairs(names...))
}
