package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/app/pipeline"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/config"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/logging"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type env struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:   "kpietl",
		Short: "Incremental telecom counter ETL and KPI computation",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.Load(e.cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
			if err != nil {
				return err
			}
			e.cfg, e.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&e.cfgFile, "config", utils.Env("KPIETL_CONFIG", ""), "YAML config file")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-encoding", "", "json or console")
	flags.Int("parallelism", 1, "tables processed concurrently")
	flags.Int("batch-size", 0, "source rows per batch")
	flags.String("reference-dir", "", "directory of indicateur_<table>.csv datasets")
	flags.String("list-dir", "", "directory receiving the classified table lists")
	flags.String("checkpoint-path", "", "sqlite checkpoint database")
	flags.String("status-addr", "", "status server listen address")
	flags.String("schedule", "", "serve mode schedule, cron or @every <duration>")

	root.AddCommand(newClassifyCmd(e), newRunCmd(e), newServeCmd(e), newStatusCmd(e))
	return root
}

func newClassifyCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "List source tables, classify them by cadence and write the table lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := source.OpenMySQL(cmd.Context(), e.logger, e.cfg.Source)
			if err != nil {
				return err
			}
			defer src.Close()

			classifier, err := pipeline.NewClassifier(e.cfg.Classifier, e.logger)
			if err != nil {
				return err
			}
			o := orchestrator.New(src, classifier, nil, nil, nil, nil, nil, e.cfg.Orchestrator, e.logger)
			res, err := o.Discover(cmd.Context())
			if err != nil {
				return err
			}
			printClassification(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Drive every incomplete table to completion once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			app, err := pipeline.Initialize(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d of %d tables failed: %w", len(report.Failed), report.Tables, report.Err())
			}
			return nil
		},
	}
}

func newServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run on a schedule and serve health, progress and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			app, err := pipeline.Initialize(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			if err := app.Start(cmd.Context()); err != nil {
				app.Close()
				return err
			}
			return nil
		},
	}
	return cmd
}

func newStatusCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted checkpoint of every table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := pipeline.OpenCheckpoints(cmd.Context(), e.cfg.Checkpoint, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			printCheckpoints(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printClassification(w io.Writer, res classify.Result) {
	cadences := make([]string, 0, len(res.ByCadence))
	for c := range res.ByCadence {
		cadences = append(cadences, string(c))
	}
	sort.Strings(cadences)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CADENCE\tTABLES")
	for _, c := range cadences {
		fmt.Fprintf(tw, "%s\t%d\n", c, len(res.ByCadence[classify.Cadence(c)]))
	}
	fmt.Fprintf(tw, "dropped\t%d\n", len(res.Dropped))
	_ = tw.Flush()
}

func printReport(w io.Writer, r orchestrator.Report) {
	fmt.Fprintf(w, "run %s: %d tables, %d completed, %d skipped, %d pending, %d failed, %d rows in %s\n",
		r.RunID, r.Tables, len(r.Completed), len(r.Skipped), len(r.Pending), len(r.Failed), r.Rows,
		r.Finished.Sub(r.Started).Round(time.Millisecond))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  %v\n", f)
	}
}

func printCheckpoints(w io.Writer, list []checkpoint.Checkpoint) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tSTATUS\tEXTRACTED\tTOTAL\tPROGRESS\tUNRESOLVED\tWATERMARK\tUPDATED")
	for _, cp := range list {
		progress := "-"
		if cp.Total > 0 {
			progress = fmt.Sprintf("%.1f%%", 100*float64(cp.Extracted)/float64(cp.Total))
		}
		watermark := "-"
		if !cp.Watermark.IsZero() {
			watermark = cp.Watermark.UTC().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
			cp.Table, cp.Status(), cp.Extracted, cp.Total, progress, cp.Unresolved,
			watermark, cp.UpdatedAt.UTC().Format(time.DateTime))
	}
	_ = tw.Flush()
}
