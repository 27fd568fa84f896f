package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-audit/internal/alerting"
	"oracle-audit/internal/config"
	"oracle-audit/internal/observability"
	"oracle-audit/internal/storage"
	"oracle-audit/internal/storage/clickhouse"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// sinks holds the optional outputs of a run. Nil members are disabled.
type sinks struct {
	store    *storage.Store
	columnar *clickhouse.Sink
	notifier alerting.Notifier
	metrics  *observability.Metrics
	closers  []func()
}

func (s *sinks) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openColumnar(ctx context.Context) (*clickhouse.Sink, func(), error) {
	if a.Config.ClickHouse.DSN == "" {
		return nil, nil, nil
	}

	conn, err := clickhouse.NewConn(ctx, a.Config.ClickHouse.DSN)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.ClickHouse.AutoMigrate {
		if err := conn.Migrate(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate clickhouse: %w", err)
		}
	}
	closer := func() {
		_ = conn.Close()
	}
	return clickhouse.NewSink(conn), closer, nil
}

// openSinks connects every configured output. persist=false keeps only local reports and metrics.
func (a *App) openSinks(ctx context.Context, persist bool) (*sinks, error) {
	s := &sinks{metrics: observability.NewMetrics()}
	if !persist {
		return s, nil
	}
	s.notifier = a.newNotifier()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		s.store = store
		s.closers = append(s.closers, closeStore)
	}

	columnar, closeColumnar, err := a.openColumnar(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if columnar != nil {
		s.columnar = columnar
		s.closers = append(s.closers, closeColumnar)
	}
	return s, nil
}

// AnalyzeOptions configure a single analysis run.
type AnalyzeOptions struct {
	// From/To override the configured input window; zero values keep it.
	From   time.Time
	To     time.Time
	OutDir string
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	RunID  string
	SortBy string
	Limit  int
	// Runs lists recent run headers instead of one run's scorecards.
	Runs bool
}

// ExportOptions select stored runs and where to write them.
type ExportOptions struct {
	RunID  string
	From   time.Time
	To     time.Time
	OutDir string
	PNG    bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
