// Package orchestrator drives every classified table through extraction,
// aggregation and loading until it is complete, resuming from checkpoints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/destination"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/extract"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/metrics"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/publish"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/reference"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Extractor pages one table at a time.
type Extractor interface {
	Reference(table string) (*reference.Mapping, error)
	Count(ctx context.Context, table string) (int64, error)
	Next(ctx context.Context, table string, mapping *reference.Mapping, cp checkpoint.Checkpoint) (extract.Batch, error)
	Settle(ctx context.Context, cp checkpoint.Checkpoint) (int64, bool, error)
}

// Aggregator turns resolved rows into KPI results.
type Aggregator interface {
	Aggregate(node string, rows []source.Record) []kpi.Result
}

// Loader commits a batch atomically.
type Loader interface {
	Commit(ctx context.Context, b destination.Batch) (destination.Stats, error)
}

// TableLister discovers source tables.
type TableLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

type Config struct {
	// Parallelism is the number of tables drained at once. 1 keeps the
	// classified order strictly sequential.
	Parallelism int `koanf:"parallelism"`
	// MaxResnapshots bounds how often a drained table may be found to have
	// grown before the run leaves it in progress.
	MaxResnapshots int `koanf:"max_resnapshots"`
	// ListDir, when set, receives the raw and per-cadence table lists.
	ListDir string `koanf:"list_dir"`
}

// TableError stops one table's run. Checkpoint is the last persisted
// progress, from which the next run resumes.
type TableError struct {
	Table      string
	Checkpoint checkpoint.Checkpoint
	Err        error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s at offset %d (watermark %s): %v",
		e.Table, e.Checkpoint.Offset, formatTime(e.Checkpoint.Watermark), e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// Report summarises one run.
type Report struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Tables    int
	Completed []string
	Skipped   []string
	Pending   []string
	Failed    []*TableError
	Dropped   []classify.Diagnostic
	Rows      int64
}

// Result labels the run: "ok" when every table completed or was skipped,
// "partial" when some are left in progress, "failed" when any table failed.
func (r Report) Result() string {
	switch {
	case len(r.Failed) > 0:
		return "failed"
	case len(r.Pending) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Err joins the table errors of the run, or nil.
func (r Report) Err() error {
	errs := make([]error, len(r.Failed))
	for i, e := range r.Failed {
		errs[i] = e
	}
	return errors.Join(errs...)
}

type Orchestrator struct {
	Lister     TableLister
	Classifier *classify.Classifier
	Extractor  Extractor
	Engine     Aggregator
	Loader     Loader
	Sink       publish.Sink
	Store      checkpoint.Store
	Config     Config
	Logger     *zap.Logger

	progress *xsync.Map[string, Progress]
	running  sync.Mutex
}

func New(lister TableLister, classifier *classify.Classifier, ext Extractor, engine Aggregator, loader Loader, sink publish.Sink, store checkpoint.Store, cfg Config, logger *zap.Logger) *Orchestrator {
	if sink == nil {
		sink = publish.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxResnapshots < 0 {
		cfg.MaxResnapshots = 0
	}
	return &Orchestrator{
		Lister:     lister,
		Classifier: classifier,
		Extractor:  ext,
		Engine:     engine,
		Loader:     loader,
		Sink:       sink,
		Store:      store,
		Config:     cfg,
		Logger:     logger,
		progress:   xsync.NewMap[string, Progress](),
	}
}

// Discover lists and classifies the source tables, writing the table lists
// when ListDir is set. A source that cannot be listed halts the run.
func (o *Orchestrator) Discover(ctx context.Context) (classify.Result, error) {
	names, err := o.Lister.ListTables(ctx)
	if err != nil {
		return classify.Result{}, fmt.Errorf("list source tables: %w", err)
	}
	res := o.Classifier.Classify(names)

	if o.Config.ListDir != "" {
		if err := classify.WriteRawList(classify.RawListPath(o.Config.ListDir), names); err != nil {
			return res, err
		}
		if err := classify.WriteLists(o.Config.ListDir, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Run classifies the source once and drains every table not yet complete.
// Table failures are collected in the report; the returned error is set only
// for run-level faults (listing, cancellation, overlapping runs).
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	if !o.running.TryLock() {
		return Report{}, errors.New("a run is already in progress")
	}
	defer o.running.Unlock()

	report := Report{RunID: uuid.NewString(), Started: time.Now()}
	logger := o.Logger.With(zap.String("run_id", report.RunID))

	res, err := o.Discover(ctx)
	if err != nil {
		metrics.Runs.WithLabelValues("error").Inc()
		return report, err
	}
	report.Tables = len(res.Tables)
	report.Dropped = res.Dropped
	logger.Info("Run started", zap.Int("tables", len(res.Tables)), zap.Int("dropped", len(res.Dropped)))

	var mu sync.Mutex
	record := func(table string, out outcome) {
		mu.Lock()
		defer mu.Unlock()
		report.Rows += out.rows
		switch {
		case out.err != nil:
			report.Failed = append(report.Failed, out.err)
		case out.skipped:
			report.Skipped = append(report.Skipped, table)
		case out.completed:
			report.Completed = append(report.Completed, table)
		default:
			report.Pending = append(report.Pending, table)
		}
	}

	if o.Config.Parallelism == 1 {
		for _, t := range res.Tables {
			if ctx.Err() != nil {
				break
			}
			record(t.Name, o.runTable(ctx, t, logger))
		}
	} else {
		pool := pond.NewPool(o.Config.Parallelism)
		defer pool.StopAndWait()
		group := pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for _, t := range res.Tables {
			group.Submit(func() {
				if groupCtx.Err() != nil {
					return
				}
				record(t.Name, o.runTable(groupCtx, t, logger))
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			logger.Warn("Table group encountered error", zap.Error(err))
		}
	}

	report.Finished = time.Now()
	metrics.LastRun.SetToCurrentTime()
	metrics.Runs.WithLabelValues(report.Result()).Inc()
	logger.Info("Run finished",
		zap.Int("completed", len(report.Completed)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("pending", len(report.Pending)),
		zap.Int("failed", len(report.Failed)),
		zap.Int64("rows", report.Rows),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}
