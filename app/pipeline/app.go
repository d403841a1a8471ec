// Package pipeline wires the configured stores, sinks and orchestrator into
// a runnable application.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/config"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/clickhouse"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/destination"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/extract"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/publish"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/redis"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/reference"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/status"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type App struct {
	Config *config.Config

	Source       *source.MySQL
	Checkpoints  checkpoint.Store
	Loader       *destination.Loader
	Sink         publish.Sink
	Orchestrator *orchestrator.Orchestrator

	// Status serves health and progress while in serve mode.
	Status *status.Server

	// Cron re-runs the orchestrator on Config.Schedule.Spec in serve mode.
	Cron *cron.Cron

	Logger *zap.Logger

	checks map[string]status.Check
}

// OpenCheckpoints opens the configured checkpoint store.
func OpenCheckpoints(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Checkpoints are kept in memory and lost on exit")
		return checkpoint.NewMemoryStore(), nil
	case "postgres":
		s, err := checkpoint.OpenPostgres(ctx, logger, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := checkpoint.OpenSQLite(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// NewClassifier builds the table classifier from configuration.
func NewClassifier(cfg config.ClassifierConfig, logger *zap.Logger) (*classify.Classifier, error) {
	families, err := cfg.Compile()
	if err != nil {
		return nil, err
	}
	return classify.New(families, cfg.MinYear, logger), nil
}

// Initialize connects every configured dependency. On error, whatever was
// already opened is closed.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{Config: cfg, Logger: logger, checks: map[string]status.Check{}}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	catalog, err := kpi.LoadCatalog(cfg.KPI.Catalog)
	if err != nil {
		return app, fmt.Errorf("load kpi catalog: %w", err)
	}
	classifier, err := NewClassifier(cfg.Classifier, logger)
	if err != nil {
		return app, err
	}

	app.Source, err = source.OpenMySQL(ctx, logger, cfg.Source)
	if err != nil {
		return app, fmt.Errorf("source: %w", err)
	}
	app.checks["source"] = app.Source.DB.PingContext

	app.Checkpoints, err = OpenCheckpoints(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return app, fmt.Errorf("checkpoint store: %w", err)
	}

	app.Loader, err = destination.Open(ctx, logger, cfg.Destination, catalog)
	if err != nil {
		return app, fmt.Errorf("destination: %w", err)
	}
	app.checks["destination"] = app.Loader.DB.PingContext
	if err := app.Loader.EnsureSchema(ctx); err != nil {
		return app, fmt.Errorf("destination schema: %w", err)
	}

	app.Sink, err = app.openSinks(ctx)
	if err != nil {
		return app, err
	}

	refs := reference.NewLoader(cfg.Reference.Dir, logger)
	ext := extract.New(app.Source, refs, cfg.Extract, logger)
	ext.Catalog = catalog
	engine := kpi.NewEngine(catalog, logger)
	app.Orchestrator = orchestrator.New(app.Source, classifier, ext, engine, app.Loader, app.Sink, app.Checkpoints, cfg.Orchestrator, logger)

	app.Status = &status.Server{
		Addr:        cfg.Status.Addr,
		Progress:    app.Orchestrator,
		Checkpoints: app.Checkpoints,
		Checks:      app.checks,
		Logger:      logger,
	}

	logger.Info("Pipeline initialized",
		zap.String("destination", cfg.Destination.Driver),
		zap.String("checkpoint", cfg.Checkpoint.Driver),
		zap.Int("formulas", len(catalog.Formulas)),
		zap.String("sink", app.Sink.Name()),
	)
	return app, nil
}

func (a *App) openSinks(ctx context.Context) (publish.Sink, error) {
	var sinks publish.Multi
	if a.Config.Redis.Enabled {
		rc, err := redis.NewClient(ctx, a.Logger, a.Config.Redis.Config)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.checks["redis"] = rc.Health
		sinks = append(sinks, publish.NewStream(rc, a.Config.Redis.StreamPrefix, a.Config.Redis.SourceName, a.Logger))
	}
	if a.Config.ClickHouse.Enabled {
		ch, err := clickhouse.New(ctx, a.Logger, a.Config.ClickHouse.Config)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		archive, err := publish.NewArchive(ctx, ch, a.Logger)
		if err != nil {
			_ = ch.Close()
			_ = sinks.Close()
			return nil, err
		}
		a.checks["clickhouse"] = archive.Client.Health
		sinks = append(sinks, archive)
	}

	switch len(sinks) {
	case 0:
		return publish.Noop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// RunOnce performs a single orchestrator run, bounded by the configured run
// timeout.
func (a *App) RunOnce(ctx context.Context) (orchestrator.Report, error) {
	if d := a.Config.Schedule.RunTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	report, err := a.Orchestrator.Run(ctx)
	if err != nil {
		return report, err
	}
	for _, f := range report.Failed {
		a.Logger.Warn("Table left for the next run",
			zap.String("table", f.Table),
			zap.Int64("offset", f.Checkpoint.Offset),
			zap.Error(f.Err),
		)
	}
	return report, nil
}

// SetupScheduler registers the periodic run. Overlapping ticks are skipped.
func (a *App) SetupScheduler(ctx context.Context) error {
	logger := cronLogger{a.Logger.Named("cron")}
	a.Cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))

	_, err := a.Cron.AddFunc(a.Config.Schedule.Spec, func() {
		if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Scheduled run failed", zap.Error(err))
		}
	})
	return err
}

// Start runs once, then serves status and re-runs on schedule until ctx is
// canceled.
func (a *App) Start(ctx context.Context) error {
	if err := a.SetupScheduler(ctx); err != nil {
		return fmt.Errorf("schedule %q: %w", a.Config.Schedule.Spec, err)
	}
	a.Status.Start()

	if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Initial run failed", zap.Error(err))
	}

	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("spec", a.Config.Schedule.Spec))
	<-ctx.Done()
	a.Stop()
	return nil
}

// Stop waits for an in-flight run, then releases every resource.
func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.Status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Status.Stop(shutdownCtx); err != nil {
			a.Logger.Warn("Status server shutdown", zap.Error(err))
		}
	}
	a.Close()
	a.Logger.Info("Pipeline stopped")
}

// Close releases the connections opened by Initialize.
func (a *App) Close() {
	type closer struct {
		name string
		fn   func() error
	}
	var closers []closer
	if a.Sink != nil {
		closers = append(closers, closer{"sink", a.Sink.Close})
	}
	if a.Loader != nil {
		closers = append(closers, closer{"destination", a.Loader.Close})
	}
	if a.Checkpoints != nil {
		closers = append(closers, closer{"checkpoint", a.Checkpoints.Close})
	}
	if a.Source != nil {
		closers = append(closers, closer{"source", a.Source.Close})
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			a.Logger.Warn("Close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
