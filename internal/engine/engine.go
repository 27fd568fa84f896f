// Package engine runs every detector over one loaded window and folds the results into scorecards.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"oracle-audit/internal/align"
	"oracle-audit/internal/detect"
	"oracle-audit/internal/domain"
	"oracle-audit/internal/scorecard"
)

// Detector names accepted by Config.Enabled.
const (
	DetectorRange      = "range"
	DetectorCrossRate  = "cross_rate"
	DetectorStale      = "stale"
	DetectorConfidence = "confidence"
	DetectorCollusion  = "collusion"
	DetectorExtremes   = "extremes"
	DetectorTiming     = "timing"
	DetectorCoverage   = "coverage"
)

// AllDetectors lists every detector in report order.
func AllDetectors() []string {
	return []string{
		DetectorRange, DetectorCrossRate, DetectorStale, DetectorConfidence,
		DetectorCollusion, DetectorExtremes, DetectorTiming, DetectorCoverage,
	}
}

// Config carries worker sizing, alignment tolerance and every detector's thresholds.
type Config struct {
	Workers   int
	QueueSize int
	Tolerance time.Duration
	// Enabled lists the detectors to run; empty runs all of them.
	Enabled []string

	Range      detect.RangeConfig
	CrossRate  detect.CrossRateConfig
	Stale      detect.StaleConfig
	Confidence detect.ConfidenceConfig
	Collusion  detect.CollusionConfig
	Extremes   detect.ExtremeConfig
	Timing     detect.TimingConfig
	Coverage   detect.CoverageConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    runtime.NumCPU(),
		Tolerance:  align.DefaultTolerance,
		Range:      detect.DefaultRangeConfig(),
		CrossRate:  detect.DefaultCrossRateConfig(),
		Stale:      detect.DefaultStaleConfig(),
		Confidence: detect.DefaultConfidenceConfig(),
		Collusion:  detect.DefaultCollusionConfig(),
		Extremes:   detect.DefaultExtremeConfig(),
		Timing:     detect.DefaultTimingConfig(),
		Coverage:   detect.DefaultCoverageConfig(),
	}
}

// Recorder observes per-detector reports, e.g. for metrics.
type Recorder interface {
	ObserveDetector(report domain.DetectorReport)
}

// Result is everything one run produced.
type Result struct {
	From time.Time
	To   time.Time

	Flags          []domain.Flag
	StaleRuns      []domain.StaleRun
	StaleScores    []domain.StaleScore
	Confidence     []domain.ConfidenceStats
	Responsiveness []domain.Responsiveness
	Collusion      []domain.CollusionPair
	Extremes       []domain.ExtremeEvent
	Timing         []domain.TimingStats
	Slots          []domain.SlotCoverage
	Cadence        []domain.CadenceStats
	Scorecards     []domain.ValidatorScorecard

	Reports    []domain.DetectorReport
	Alignments []*align.Alignment
	Load       domain.LoadStats
	// BenchmarkFailures maps pair name to the reason its reference series is unavailable.
	BenchmarkFailures map[string]error
	Duration          time.Duration
}

// Engine is stateless between runs.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder
	from     time.Time
	to       time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithRecorder attaches a detector report observer.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithWindow bounds the run to [from, to). Coverage slots are laid over this window and records
// outside it are skipped there. Zero bounds fall back to the observed timestamps.
func WithWindow(from, to time.Time) Option {
	return func(e *Engine) { e.from, e.to = from.UTC(), to.UTC() }
}

// New constructs an engine.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	e := &Engine{cfg: cfg, logger: logger.With().Str("component", "engine").Logger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) enabled(name string) bool {
	if len(e.cfg.Enabled) == 0 {
		return true
	}
	for _, n := range e.cfg.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// Run executes the enabled detectors concurrently over table. benchmarks and failures come from the
// benchmark loader; a pair in failures keeps only its value checks.
func (e *Engine) Run(ctx context.Context, table *domain.SubmissionTable, benchmarks map[string]*domain.BenchmarkSeries, failures map[string]error) (*Result, error) {
	if table == nil || len(table.Records) == 0 {
		return nil, fmt.Errorf("run engine: %w", domain.ErrNoInputData)
	}
	start := time.Now()

	ix := detect.NewIndex(table)
	cache := newAlignmentCache(table, benchmarks, failures, e.cfg.Tolerance)
	res := &Result{Load: table.Stats, BenchmarkFailures: failures}
	res.From, res.To, _ = table.Window()
	if !e.from.IsZero() {
		res.From = e.from
	}
	if !e.to.IsZero() {
		res.To = e.to
	}
	coverage := e.cfg.Coverage
	coverage.From, coverage.To = e.from, e.to

	pool := pond.NewPool(e.cfg.Workers, pond.WithQueueSize(e.cfg.QueueSize))
	defer pool.StopAndWait()
	// collusion shards must not queue behind the detector task waiting on them
	shardPool := pond.NewPool(e.cfg.Workers, pond.WithQueueSize(e.cfg.QueueSize))
	defer shardPool.StopAndWait()

	var (
		mu         sync.Mutex
		reports    []domain.DetectorReport
		flagSets   = make(map[string][]domain.Flag)
		collideErr error
	)
	record := func(name string, flags []domain.Flag, report domain.DetectorReport) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, report)
		if len(flags) > 0 {
			flagSets[name] = flags
		}
	}

	tasks := map[string]func(){
		DetectorRange: func() {
			flags, report := detect.Range(ix, cache, e.cfg.Range)
			record(DetectorRange, flags, report)
		},
		DetectorCrossRate: func() {
			flags, report := detect.CrossRate(ix, e.cfg.CrossRate)
			record(DetectorCrossRate, flags, report)
		},
		DetectorStale: func() {
			out, report := detect.Stale(ix, e.cfg.Stale)
			res.StaleRuns, res.StaleScores = out.Runs, out.Scores
			record(DetectorStale, nil, report)
		},
		DetectorConfidence: func() {
			out, report := detect.Confidence(ix, e.cfg.Confidence)
			res.Confidence, res.Responsiveness = out.Dispersion, out.Responsiveness
			record(DetectorConfidence, out.Flags, report)
		},
		DetectorCollusion: func() {
			rows, report, err := detect.Collusion(ctx, ix, e.cfg.Collusion, shardPool)
			if err != nil {
				collideErr = err
				return
			}
			res.Collusion = rows
			record(DetectorCollusion, nil, report)
		},
		DetectorExtremes: func() {
			events, report := detect.Extremes(ix, e.cfg.Extremes)
			res.Extremes = events
			record(DetectorExtremes, nil, report)
		},
		DetectorTiming: func() {
			stats, report := detect.Timing(ix, e.cfg.Timing)
			res.Timing = stats
			record(DetectorTiming, nil, report)
		},
		DetectorCoverage: func() {
			out, report := detect.Coverage(ix, coverage)
			res.Slots, res.Cadence = out.Slots, out.Cadence
			record(DetectorCoverage, out.Flags, report)
		},
	}

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, name := range AllDetectors() {
		if !e.enabled(name) {
			e.logger.Debug().Str("detector", name).Msg("detector disabled")
			continue
		}
		task := tasks[name]
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			task()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, fmt.Errorf("run detectors: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run detectors: %w", err)
	}
	if collideErr != nil {
		return nil, collideErr
	}

	for _, name := range AllDetectors() {
		res.Flags = append(res.Flags, flagSets[name]...)
	}
	domain.SortFlags(res.Flags)

	order := make(map[string]int)
	for i, name := range AllDetectors() {
		order[name] = i
	}
	sort.SliceStable(reports, func(i, j int) bool { return order[reports[i].Name] < order[reports[j].Name] })
	res.Reports = reports

	res.Alignments = cache.all(len(table.Schema.Pairs))
	res.Scorecards = scorecard.Build(scorecard.Inputs{
		Table:          table,
		Alignments:     res.Alignments,
		Flags:          res.Flags,
		StaleRuns:      res.StaleRuns,
		StaleScores:    res.StaleScores,
		Confidence:     res.Confidence,
		Responsiveness: res.Responsiveness,
		Collusion:      res.Collusion,
		Extremes:       res.Extremes,
		Timing:         res.Timing,
		Cadence:        res.Cadence,
	})
	res.Duration = time.Since(start)

	for _, r := range res.Reports {
		if e.recorder != nil {
			e.recorder.ObserveDetector(r)
		}
		e.logger.Info().
			Str("detector", r.Name).
			Int("evaluated", r.Evaluated).
			Int("skipped", r.Skipped).
			Interface("skip_reasons", r.Reasons).
			Int("findings", r.Flags).
			Dur("took", r.Duration).
			Msg("detector finished")
	}
	e.logger.Info().
		Time("from", res.From).
		Time("to", res.To).
		Int("validators", len(res.Scorecards)).
		Int("flags", len(res.Flags)).
		Dur("took", res.Duration).
		Msg("analysis complete")

	return res, nil
}
