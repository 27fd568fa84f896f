package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"oracle-audit/internal/detect"
	"oracle-audit/internal/domain"
	"oracle-audit/internal/engine"
	"oracle-audit/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Input      InputConfig      `mapstructure:"input"`
	Pairs      []PairConfig     `mapstructure:"pairs"`
	Detectors  DetectorsConfig  `mapstructure:"detectors"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// InputConfig locates submission and benchmark files.
type InputConfig struct {
	// Submissions is a glob of per-day submission CSVs, e.g. "data/Oracle_Submission_*.csv".
	Submissions     string `mapstructure:"submissions"`
	TimestampLayout string `mapstructure:"timestamp_layout"`
	TimestampColumn string `mapstructure:"timestamp_column"`
	ValidatorColumn string `mapstructure:"validator_column"`

	BenchmarkDir      string `mapstructure:"benchmark_dir"`
	BenchmarkSkipRows int    `mapstructure:"benchmark_skip_rows"`
	BenchmarkLayout   string `mapstructure:"benchmark_layout"`

	// From/To restrict which dated files are read; zero values leave the window open.
	From time.Time `mapstructure:"from"`
	To   time.Time `mapstructure:"to"`
}

// PairConfig declares one tracked pair. Empty fields fall back to the "<NAME> Price" convention.
type PairConfig struct {
	Name            string          `mapstructure:"name"`
	PriceField      string          `mapstructure:"price_field"`
	ConfidenceField string          `mapstructure:"confidence_field"`
	Ceiling         decimal.Decimal `mapstructure:"ceiling"`
	Benchmark       string          `mapstructure:"benchmark"`
}

// DetectorsConfig holds every detector threshold.
type DetectorsConfig struct {
	Range      RangeConfig      `mapstructure:"range"`
	CrossRate  CrossRateConfig  `mapstructure:"cross_rate"`
	Stale      StaleConfig      `mapstructure:"stale"`
	Confidence ConfidenceConfig `mapstructure:"confidence"`
	Collusion  CollusionConfig  `mapstructure:"collusion"`
	Extremes   ExtremesConfig   `mapstructure:"extremes"`
	Timing     TimingConfig     `mapstructure:"timing"`
	Coverage   CoverageConfig   `mapstructure:"coverage"`
}

type RangeConfig struct {
	DeviationThreshold float64 `mapstructure:"deviation_threshold"`
}

type CrossRateConfig struct {
	Base      string          `mapstructure:"base"`
	Quote     string          `mapstructure:"quote"`
	Cross     string          `mapstructure:"cross"`
	Tolerance decimal.Decimal `mapstructure:"tolerance"`
}

type StaleConfig struct {
	MinRunLength int           `mapstructure:"min_run_length"`
	BreakOnGap   time.Duration `mapstructure:"break_on_gap"`
}

type ConfidenceConfig struct {
	ResponsivenessThreshold float64 `mapstructure:"responsiveness_threshold"`
}

type CollusionConfig struct {
	IdenticalThreshold float64       `mapstructure:"identical_threshold"`
	MinFraction        float64       `mapstructure:"min_fraction"`
	MinOverlap         int           `mapstructure:"min_overlap"`
	Bucket             time.Duration `mapstructure:"bucket"`
}

type ExtremesConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	MinGroup  int           `mapstructure:"min_group"`
	Bucket    time.Duration `mapstructure:"bucket"`
}

type TimingConfig struct {
	RoundWindow     time.Duration `mapstructure:"round_window"`
	ClusterDistance time.Duration `mapstructure:"cluster_distance"`
	MinSharedRounds int           `mapstructure:"min_shared_rounds"`
}

type CoverageConfig struct {
	Cadence          time.Duration `mapstructure:"cadence"`
	MinFraction      float64       `mapstructure:"min_fraction"`
	CadenceTolerance float64       `mapstructure:"cadence_tolerance"`
	MaxPerMinute     int           `mapstructure:"max_per_minute"`
}

// EngineConfig sizes the worker pool and picks detectors.
type EngineConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Tolerance time.Duration `mapstructure:"tolerance"`
	Enabled   []string      `mapstructure:"enabled"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ClickHouseConfig enables the columnar sink when DSN is set.
type ClickHouseConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// AlertingConfig routes the run summary.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MinFlags suppresses the summary for runs with fewer flags.
	MinFlags int            `mapstructure:"min_flags"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets report output behaviour.
type ExportConfig struct {
	Dir           string `mapstructure:"dir"`
	Charts        bool   `mapstructure:"charts"`
	MaxDataPoints int    `mapstructure:"max_data_points"`
	SortBy        string `mapstructure:"sort_by"`
}

// MetricsConfig points at the node-exporter textfile collector directory.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oracle-audit")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("input.submissions", "")
	v.SetDefault("input.timestamp_layout", time.RFC3339)
	v.SetDefault("input.timestamp_column", "Timestamp")
	v.SetDefault("input.validator_column", "Validator Address")
	v.SetDefault("input.benchmark_dir", "")
	v.SetDefault("input.benchmark_skip_rows", 3)
	v.SetDefault("input.benchmark_layout", "2006-01-02 15:04:05-07:00")
	v.SetDefault("input.from", "")
	v.SetDefault("input.to", "")

	v.SetDefault("detectors.range.deviation_threshold", 0.20)
	v.SetDefault("detectors.cross_rate.base", "NTN-ATN")
	v.SetDefault("detectors.cross_rate.quote", "ATN-USD")
	v.SetDefault("detectors.cross_rate.cross", "NTN-USD")
	v.SetDefault("detectors.cross_rate.tolerance", "0.10")
	v.SetDefault("detectors.stale.min_run_length", 30)
	v.SetDefault("detectors.stale.break_on_gap", "0s")
	v.SetDefault("detectors.confidence.responsiveness_threshold", 0.1)
	v.SetDefault("detectors.collusion.identical_threshold", 1e-9)
	v.SetDefault("detectors.collusion.min_fraction", 0.75)
	v.SetDefault("detectors.collusion.min_overlap", 1)
	v.SetDefault("detectors.collusion.bucket", "0s")
	v.SetDefault("detectors.extremes.threshold", 2.0)
	v.SetDefault("detectors.extremes.min_group", 2)
	v.SetDefault("detectors.extremes.bucket", "0s")
	v.SetDefault("detectors.timing.round_window", "15s")
	v.SetDefault("detectors.timing.cluster_distance", "1s")
	v.SetDefault("detectors.timing.min_shared_rounds", 10)
	v.SetDefault("detectors.coverage.cadence", "30s")
	v.SetDefault("detectors.coverage.min_fraction", 0.90)
	v.SetDefault("detectors.coverage.cadence_tolerance", 0.05)
	v.SetDefault("detectors.coverage.max_per_minute", 4)

	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.queue_size", 0)
	v.SetDefault("engine.tolerance", "30s")
	v.SetDefault("engine.enabled", []string{})

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x6f617564))

	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("clickhouse.auto_migrate", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_flags", 1)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.dir", "out")
	v.SetDefault("export.charts", true)
	v.SetDefault("export.max_data_points", 5000)
	v.SetDefault("export.sort_by", "anomalies")

	v.SetDefault("metrics.textfile_path", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

// stringToTimeHookFunc parses layout and treats an empty string as the zero time.
func stringToTimeHookFunc(layout string) mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return time.Time{}, nil
		}
		if len(raw) == len("2006-01-02") {
			return time.Parse("2006-01-02", raw)
		}
		return time.Parse(layout, raw)
	}
}

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal without going through
// binary floats where the source is a string.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.Schema(); err != nil {
		return err
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers cannot be negative")
	}
	if c.Engine.Tolerance <= 0 {
		return fmt.Errorf("engine.tolerance must be greater than zero")
	}
	known := make(map[string]bool)
	for _, name := range engine.AllDetectors() {
		known[name] = true
	}
	for _, name := range c.Engine.Enabled {
		if !known[name] {
			return fmt.Errorf("engine.enabled: unknown detector %q", name)
		}
	}

	d := c.Detectors
	if d.Range.DeviationThreshold <= 0 {
		return fmt.Errorf("detectors.range.deviation_threshold must be greater than zero")
	}
	if !d.CrossRate.Tolerance.IsPositive() {
		return fmt.Errorf("detectors.cross_rate.tolerance must be greater than zero")
	}
	if d.Stale.MinRunLength < 1 {
		return fmt.Errorf("detectors.stale.min_run_length must be at least 1")
	}
	if d.Stale.BreakOnGap < 0 {
		return fmt.Errorf("detectors.stale.break_on_gap cannot be negative")
	}
	if d.Collusion.MinFraction <= 0 || d.Collusion.MinFraction > 1 {
		return fmt.Errorf("detectors.collusion.min_fraction must be in (0, 1]")
	}
	if d.Collusion.MinOverlap < 1 {
		return fmt.Errorf("detectors.collusion.min_overlap must be at least 1")
	}
	if d.Extremes.Threshold <= 1 {
		return fmt.Errorf("detectors.extremes.threshold must be greater than one")
	}
	if d.Extremes.MinGroup < 1 {
		return fmt.Errorf("detectors.extremes.min_group must be at least 1")
	}
	if d.Timing.RoundWindow <= 0 {
		return fmt.Errorf("detectors.timing.round_window must be greater than zero")
	}
	if d.Coverage.Cadence <= 0 {
		return fmt.Errorf("detectors.coverage.cadence must be greater than zero")
	}
	if d.Coverage.MinFraction <= 0 || d.Coverage.MinFraction > 1 {
		return fmt.Errorf("detectors.coverage.min_fraction must be in (0, 1]")
	}
	if !c.Input.From.IsZero() && !c.Input.To.IsZero() && !c.Input.From.Before(c.Input.To) {
		return fmt.Errorf("input.from must be before input.to")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Schema builds the pair schema, falling back to the default pairs when none are configured.
func (c *Config) Schema() (*domain.Schema, error) {
	if len(c.Pairs) == 0 {
		return domain.NewSchema(domain.DefaultPairs())
	}
	pairs := make([]domain.Pair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		pair := domain.NewPair(p.Name, p.Ceiling, p.Benchmark)
		if p.PriceField != "" {
			pair.PriceField = p.PriceField
		}
		if p.ConfidenceField != "" {
			pair.ConfidenceField = p.ConfidenceField
		}
		pairs = append(pairs, pair)
	}
	schema, err := domain.NewSchema(pairs)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	return schema, nil
}

// EngineSettings maps the detector and engine sections onto the engine's configuration.
func (c *Config) EngineSettings() engine.Config {
	d := c.Detectors
	return engine.Config{
		Workers:   c.Engine.Workers,
		QueueSize: c.Engine.QueueSize,
		Tolerance: c.Engine.Tolerance,
		Enabled:   c.Engine.Enabled,
		Range:     detect.RangeConfig{DeviationThreshold: d.Range.DeviationThreshold},
		CrossRate: detect.CrossRateConfig{
			Triangle:  detect.Triangle{Base: d.CrossRate.Base, Quote: d.CrossRate.Quote, Cross: d.CrossRate.Cross},
			Tolerance: d.CrossRate.Tolerance,
		},
		Stale:      detect.StaleConfig{MinRunLength: d.Stale.MinRunLength, BreakOnGap: d.Stale.BreakOnGap},
		Confidence: detect.ConfidenceConfig{ResponsivenessThreshold: d.Confidence.ResponsivenessThreshold},
		Collusion: detect.CollusionConfig{
			IdenticalThreshold: d.Collusion.IdenticalThreshold,
			MinFraction:        d.Collusion.MinFraction,
			MinOverlap:         d.Collusion.MinOverlap,
			Bucket:             d.Collusion.Bucket,
		},
		Extremes: detect.ExtremeConfig{Threshold: d.Extremes.Threshold, MinGroup: d.Extremes.MinGroup, Bucket: d.Extremes.Bucket},
		Timing: detect.TimingConfig{
			RoundWindow:     d.Timing.RoundWindow,
			ClusterDistance: d.Timing.ClusterDistance,
			MinSharedRounds: d.Timing.MinSharedRounds,
		},
		Coverage: detect.CoverageConfig{
			Cadence:          d.Coverage.Cadence,
			MinFraction:      d.Coverage.MinFraction,
			CadenceTolerance: d.Coverage.CadenceTolerance,
			MaxPerMinute:     d.Coverage.MaxPerMinute,
		},
	}
}
