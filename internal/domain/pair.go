package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Pair declares one tracked price relationship and where its fields live in a submission file.
type Pair struct {
	Name            string
	PriceField      string
	ConfidenceField string
	// Ceiling is the ExcessiveMagnitude bound; zero disables the check.
	Ceiling decimal.Decimal
	// Benchmark is the reference series symbol; empty means the pair is not benchmarked.
	Benchmark string
}

// Benchmarked reports whether a reference series is requested for the pair.
func (p Pair) Benchmarked() bool {
	return p.Benchmark != ""
}

// Schema is the fixed, ordered list of tracked pairs. Quote slices on records follow this order.
type Schema struct {
	Pairs []Pair
	index map[string]int
}

// NewSchema validates pair declarations and builds the name index.
func NewSchema(pairs []Pair) (*Schema, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("schema: at least one pair is required")
	}
	index := make(map[string]int, len(pairs))
	fields := make(map[string]string, len(pairs)*2)
	for i, p := range pairs {
		if p.Name == "" {
			return nil, fmt.Errorf("schema: pair %d has no name", i)
		}
		if _, dup := index[p.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate pair %q", p.Name)
		}
		if p.PriceField == "" || p.ConfidenceField == "" {
			return nil, fmt.Errorf("schema: pair %q must declare price and confidence fields", p.Name)
		}
		for _, f := range []string{p.PriceField, p.ConfidenceField} {
			if owner, taken := fields[f]; taken {
				return nil, fmt.Errorf("schema: field %q declared by both %q and %q", f, owner, p.Name)
			}
			fields[f] = p.Name
		}
		if p.Ceiling.IsNegative() {
			return nil, fmt.Errorf("schema: pair %q has a negative ceiling", p.Name)
		}
		index[p.Name] = i
	}
	return &Schema{Pairs: pairs, index: index}, nil
}

// Index returns the position of the named pair.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Len is the number of tracked pairs.
func (s *Schema) Len() int {
	return len(s.Pairs)
}

// DefaultPairs mirrors the tracked set of the Autonity oracle: six FX crosses with
// benchmark coverage plus the ATN/NTN token triangle.
func DefaultPairs() []Pair {
	fx := []struct {
		name    string
		symbol  string
		ceiling string
	}{
		{"AUD-USD", "AUDUSD", "2"},
		{"CAD-USD", "CADUSD", "2"},
		{"EUR-USD", "EURUSD", "3"},
		{"GBP-USD", "GBPUSD", "3"},
		{"JPY-USD", "JPYUSD", "0.1"},
		{"SEK-USD", "SEKUSD", "1"},
	}
	pairs := make([]Pair, 0, len(fx)+3)
	for _, f := range fx {
		pairs = append(pairs, NewPair(f.name, decimal.RequireFromString(f.ceiling), f.symbol))
	}
	pairs = append(pairs,
		NewPair("ATN-USD", decimal.NewFromInt(1000), ""),
		NewPair("NTN-USD", decimal.NewFromInt(1000), ""),
		NewPair("NTN-ATN", decimal.NewFromInt(1000), ""),
	)
	return pairs
}

// NewPair builds a pair using the conventional "<PAIR> Price" / "<PAIR> Confidence" field names.
func NewPair(name string, ceiling decimal.Decimal, benchmark string) Pair {
	return Pair{
		Name:            name,
		PriceField:      name + " Price",
		ConfidenceField: name + " Confidence",
		Ceiling:         ceiling,
		Benchmark:       benchmark,
	}
}
