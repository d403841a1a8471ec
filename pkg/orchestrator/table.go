package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/destination"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/extract"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

// Progress is the live state of one table in the current or last run.
type Progress struct {
	Table     string            `json:"table"`
	Node      string            `json:"node"`
	Status    checkpoint.Status `json:"status"`
	Extracted int64             `json:"extracted"`
	Total     int64             `json:"total"`
	Offset    int64             `json:"offset"`
	Watermark time.Time         `json:"watermark,omitempty"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type outcome struct {
	rows      int64
	completed bool
	skipped   bool
	err       *TableError
}

// Progress returns a snapshot of every table seen since start, in no order.
func (o *Orchestrator) Progress() []Progress {
	var out []Progress
	o.progress.Range(func(_ string, p Progress) bool {
		out = append(out, p)
		return true
	})
	return out
}

func (o *Orchestrator) track(table classify.SourceTable, cp checkpoint.Checkpoint, err error) {
	p := Progress{
		Table:     table.Name,
		Node:      table.Node,
		Status:    cp.Status(),
		Extracted: cp.Extracted,
		Total:     cp.Total,
		Offset:    cp.Offset,
		Watermark: cp.Watermark,
		UpdatedAt: time.Now(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	o.progress.Store(table.Name, p)
	metrics.SetProgress(table.Name, cp.Extracted, cp.Total)
}

// RunTable drives one table to completion, resuming from its checkpoint.
func (o *Orchestrator) RunTable(ctx context.Context, table classify.SourceTable) error {
	out := o.runTable(ctx, table, o.Logger)
	if out.err != nil {
		return out.err
	}
	return nil
}

func (o *Orchestrator) runTable(ctx context.Context, table classify.SourceTable, runLogger *zap.Logger) (out outcome) {
	logger := runLogger.With(zap.String("table", table.Name), zap.String("node", table.Node))

	cp, found, err := o.Store.Get(ctx, table.Name)
	if err != nil {
		return o.fail(table, checkpoint.Checkpoint{Table: table.Name}, "checkpoint", err, logger)
	}
	if !found {
		cp = checkpoint.Checkpoint{Table: table.Name}
	}
	if cp.Completed {
		logger.Debug("Table already complete", zap.Int64("extracted", cp.Extracted))
		o.track(table, cp, nil)
		out.skipped = true
		return out
	}

	mapping, err := o.Extractor.Reference(table.Name)
	if err != nil {
		return o.fail(table, cp, "reference", err, logger)
	}

	total, err := o.Extractor.Count(ctx, table.Name)
	if err != nil {
		return o.fail(table, cp, "count", err, logger)
	}
	cp.Total = total
	o.track(table, cp, nil)
	logger.Info("Table started",
		zap.Int64("offset", cp.Offset),
		zap.Time("watermark", cp.Watermark),
		zap.Int64("total", total),
	)

	resnapshots := 0
	for {
		if ctx.Err() != nil {
			return o.fail(table, cp, "canceled", ctx.Err(), logger)
		}

		if cp.Extracted >= cp.Total {
			done, grew, err := o.settle(ctx, &cp)
			if err != nil {
				return o.fail(table, cp, "settle", err, logger)
			}
			if done {
				out.completed = true
				metrics.TablesCompleted.Inc()
				o.track(table, cp, nil)
				logger.Info("Table complete",
					zap.Int64("extracted", cp.Extracted),
					zap.Int64("unresolved", cp.Unresolved),
					zap.Time("watermark", cp.Watermark),
				)
				return out
			}
			if grew {
				resnapshots++
				if resnapshots > o.Config.MaxResnapshots {
					logger.Info("Table still growing, leaving in progress",
						zap.Int64("extracted", cp.Extracted),
						zap.Int64("total", cp.Total),
						zap.Int("resnapshots", resnapshots-1),
					)
					o.track(table, cp, nil)
					return out
				}
			}
		}

		start := time.Now()
		batch, err := o.Extractor.Next(ctx, table.Name, mapping, cp)
		metrics.ObserveStage("extract", start)
		if err != nil {
			return o.fail(table, cp, "extract", err, logger)
		}
		if batch.Empty() {
			// Fewer rows than counted: let settle decide on the next pass.
			cp.Total = cp.Extracted
			continue
		}

		start = time.Now()
		results := o.Engine.Aggregate(table.Node, batch.Records)
		metrics.ObserveStage("aggregate", start)
		for _, r := range results {
			metrics.KPIResults.WithLabelValues(r.KPI, metrics.KPIOutcome(r.Value != nil)).Inc()
		}

		start = time.Now()
		stats, err := o.Loader.Commit(ctx, destination.Batch{
			Table:   table.Name,
			Node:    table.Node,
			Records: batch.Records,
			Results: results,
		})
		metrics.ObserveStage("load", start)
		if err != nil {
			return o.fail(table, cp, "load", err, logger)
		}

		o.publish(ctx, table, batch, logger)

		next := cp.Advance(batch.Fetched, batch.Unresolved, batch.Watermark)
		if err := o.Store.Put(ctx, next); err != nil {
			return o.fail(table, cp, "checkpoint", err, logger)
		}
		cp = next
		out.rows += batch.Fetched

		metrics.RowsExtracted.WithLabelValues(table.Name).Add(float64(batch.Fetched))
		metrics.RowsUnresolved.WithLabelValues(table.Name).Add(float64(batch.Unresolved))
		metrics.RowsStaged.WithLabelValues(table.Name).Add(float64(stats.Staged))
		o.track(table, cp, nil)

		logger.Debug("Batch committed",
			zap.Int64("offset", batch.Offset),
			zap.Int64("fetched", batch.Fetched),
			zap.Int64("unresolved", batch.Unresolved),
			zap.Int("results", len(results)),
			zap.Int64("staged", stats.Staged),
			zap.Int64("summaries", stats.Summaries),
			zap.Int64("details", stats.Details),
			zap.Time("watermark", cp.Watermark),
		)
	}
}

// settle re-counts a drained table. It persists completion when the count
// matches, and raises cp.Total when rows arrived since the last snapshot.
func (o *Orchestrator) settle(ctx context.Context, cp *checkpoint.Checkpoint) (done, grew bool, err error) {
	total, complete, err := o.Extractor.Settle(ctx, *cp)
	if err != nil {
		return false, false, err
	}
	if !complete {
		cp.Total = total
		return false, true, nil
	}
	final, err := cp.Complete(total)
	if err != nil {
		return false, false, err
	}
	if err := o.Store.Put(ctx, final); err != nil {
		return false, false, err
	}
	*cp = final
	return true, false, nil
}

// publish hands the batch to the downstream sink. The batch is already
// committed, so failures are logged and counted only.
func (o *Orchestrator) publish(ctx context.Context, table classify.SourceTable, batch extract.Batch, logger *zap.Logger) {
	if len(batch.Records) == 0 {
		return
	}
	start := time.Now()
	err := o.Sink.Publish(ctx, table.Name, table.Node, batch.Records)
	metrics.ObserveStage("publish", start)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(o.Sink.Name()).Inc()
		logger.Warn("Publish failed",
			zap.String("sink", o.Sink.Name()),
			zap.Int64("offset", batch.Offset),
			zap.Int("records", len(batch.Records)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) fail(table classify.SourceTable, cp checkpoint.Checkpoint, reason string, err error, logger *zap.Logger) outcome {
	if errors.Is(err, extract.ErrReferenceMissing) {
		reason = "reference"
	} else if errors.Is(err, extract.ErrSourceShrank) {
		reason = "shrank"
	} else if errors.Is(err, context.Canceled) {
		reason = "canceled"
	}
	metrics.TableFailures.WithLabelValues(reason).Inc()
	o.track(table, cp, err)

	tableErr := &TableError{Table: table.Name, Checkpoint: cp, Err: err}
	if reason == "canceled" {
		logger.Info("Table interrupted", zap.Int64("offset", cp.Offset), zap.Time("watermark", cp.Watermark))
	} else {
		logger.Error("Table failed",
			zap.String("reason", reason),
			zap.Int64("offset", cp.Offset),
			zap.Time("watermark", cp.Watermark),
			zap.Error(err),
		)
	}
	return outcome{err: tableErr}
}

var (
	_ Extractor  = (*extract.Extractor)(nil)
	_ Aggregator = (*kpi.Engine)(nil)
	_ Loader     = (*destination.Loader)(nil)
)
