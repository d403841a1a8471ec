// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_rows_extracted_total",
		Help: "Source rows consumed per table",
	}, []string{"table"})

	RowsUnresolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_rows_unresolved_total",
		Help: "Source rows excluded because their indicator id has no reference entry",
	}, []string{"table"})

	RowsStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_rows_staged_total",
		Help: "Rows inserted into the destination staging relation",
	}, []string{"table"})

	KPIResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_kpi_results_total",
		Help: "KPI results computed, by outcome (defined or undefined)",
	}, []string{"kpi", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kpietl_stage_duration_seconds",
		Help:    "Duration of one batch stage",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	TableFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_table_failures_total",
		Help: "Tables whose run stopped on an error, by reason",
	}, []string{"reason"})

	TablesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kpietl_tables_completed_total",
		Help: "Tables marked complete",
	})

	TableProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kpietl_table_progress_ratio",
		Help: "Extracted rows over the latest row-count snapshot",
	}, []string{"table"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_publish_errors_total",
		Help: "Downstream publish failures per sink",
	}, []string{"sink"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kpietl_runs_total",
		Help: "Orchestrator runs by result",
	}, []string{"result"})

	LastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kpietl_last_run_timestamp_seconds",
		Help: "Unix time the last orchestrator run finished",
	})
)

// ObserveStage records the time elapsed since start for stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// SetProgress updates the progress gauge of table.
func SetProgress(table string, extracted, total int64) {
	if total <= 0 {
		TableProgress.WithLabelValues(table).Set(0)
		return
	}
	TableProgress.WithLabelValues(table).Set(float64(extracted) / float64(total))
}

// KPIOutcome labels a KPI value as defined or undefined.
func KPIOutcome(defined bool) string {
	if defined {
		return "defined"
	}
	return "undefined"
}
