package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"oracle-audit/internal/domain"
)

// Benchmark column order after the skipped preamble rows.
const (
	benchDatetime = iota
	benchClose
	benchHigh
	benchLow
	benchOpen
	benchVolume
	benchColumns
)

// BenchmarkOptions parameterise the reference series loader.
type BenchmarkOptions struct {
	Dir             string
	SkipRows        int
	TimestampLayout string
}

// Benchmarks loads per-pair minute series from chunked CSV files.
type Benchmarks struct {
	opts   BenchmarkOptions
	logger zerolog.Logger
}

// NewBenchmarks constructs a benchmark loader.
func NewBenchmarks(opts BenchmarkOptions, logger zerolog.Logger) *Benchmarks {
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = "2006-01-02 15:04:05-07:00"
	}
	if opts.SkipRows < 0 {
		opts.SkipRows = 0
	}
	return &Benchmarks{opts: opts, logger: logger.With().Str("component", "benchmark_loader").Logger()}
}

// LoadAll loads every benchmarked pair. Failures are isolated per pair and returned alongside the
// series that did load.
func (b *Benchmarks) LoadAll(ctx context.Context, pairs []domain.Pair) (map[string]*domain.BenchmarkSeries, map[string]error) {
	series := make(map[string]*domain.BenchmarkSeries)
	failures := make(map[string]error)
	for _, p := range pairs {
		if !p.Benchmarked() {
			continue
		}
		if err := ctx.Err(); err != nil {
			failures[p.Name] = err
			continue
		}
		s, err := b.Load(p)
		if err != nil {
			failures[p.Name] = err
			b.logger.Warn().Err(err).Str("pair", p.Name).Msg("benchmark unavailable; pair checks limited")
			continue
		}
		series[p.Name] = s
		b.logger.Info().Str("pair", p.Name).Int("files", s.Files).Int("points", len(s.Points)).
			Int("dropped", s.Dropped).Msg("benchmark loaded")
	}
	return series, failures
}

// Load concatenates every chunk for the pair's symbol, sorted ascending, first point wins on
// duplicate timestamps.
func (b *Benchmarks) Load(pair domain.Pair) (*domain.BenchmarkSeries, error) {
	files, err := b.files(pair.Benchmark)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("pair %s symbol %s: no files under %s: %w", pair.Name, pair.Benchmark, b.opts.Dir, domain.ErrBenchmarkUnavailable)
	}

	series := &domain.BenchmarkSeries{Pair: pair.Name, Symbol: pair.Benchmark}
	for _, f := range files {
		points, dropped, err := b.readFile(f, pair.Name)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair.Name, err)
		}
		series.Points = append(series.Points, points...)
		series.Dropped += dropped
		series.Files++
	}

	sort.SliceStable(series.Points, func(i, j int) bool {
		return series.Points[i].Timestamp.Before(series.Points[j].Timestamp)
	})
	series.Points = dedupePoints(series.Points, &series.Dropped)

	if len(series.Points) == 0 {
		return nil, fmt.Errorf("pair %s: files contain no usable rows: %w", pair.Name, domain.ErrBenchmarkUnavailable)
	}
	return series, nil
}

func (b *Benchmarks) files(symbol string) ([]string, error) {
	patterns := []string{
		filepath.Join(b.opts.Dir, symbol, "*.csv"),
		filepath.Join(b.opts.Dir, symbol+"*.csv"),
	}
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches, nil
		}
	}
	return nil, nil
}

func (b *Benchmarks) readFile(path, pair string) ([]domain.BenchmarkPoint, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var (
		points  []domain.BenchmarkPoint
		dropped int
		line    int
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				dropped++
				continue
			}
			return nil, 0, fmt.Errorf("read %s: %w", path, err)
		}
		if line <= b.opts.SkipRows {
			continue
		}
		point, ok := b.parseRow(row, pair)
		if !ok {
			dropped++
			continue
		}
		points = append(points, point)
	}
	return points, dropped, nil
}

func (b *Benchmarks) parseRow(row []string, pair string) (domain.BenchmarkPoint, bool) {
	if len(row) < benchClose+1 {
		return domain.BenchmarkPoint{}, false
	}
	ts, err := time.Parse(b.opts.TimestampLayout, strings.TrimSpace(row[benchDatetime]))
	if err != nil {
		return domain.BenchmarkPoint{}, false
	}
	closePrice, ok := parseFloat(row[benchClose])
	if !ok {
		return domain.BenchmarkPoint{}, false
	}
	point := domain.BenchmarkPoint{Pair: pair, Timestamp: ts.UTC(), Close: closePrice}
	if len(row) >= benchColumns {
		point.High, _ = parseFloat(row[benchHigh])
		point.Low, _ = parseFloat(row[benchLow])
		point.Open, _ = parseFloat(row[benchOpen])
		point.Volume, _ = parseFloat(row[benchVolume])
	}
	return point, true
}

func parseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func dedupePoints(points []domain.BenchmarkPoint, dropped *int) []domain.BenchmarkPoint {
	if len(points) < 2 {
		return points
	}
	out := points[:1]
	for _, p := range points[1:] {
		if p.Timestamp.Equal(out[len(out)-1].Timestamp) {
			*dropped++
			continue
		}
		out = append(out, p)
	}
	return out
}
