// Package destination writes staged counters and KPI results, one batch per
// transaction.
package destination

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/postgres"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/utils"
	sq "github.com/Masterminds/squirrel"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// rowsPerInsert bounds the rows of one multi-row INSERT.
const rowsPerInsert = 500

type Config struct {
	Driver        string        `koanf:"driver"`
	MySQL         source.Config `koanf:"mysql"`
	PostgresURL   string        `koanf:"postgres_url"`
	StagingPrefix string        `koanf:"staging_prefix"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
}

// Batch is what one extracted source batch produces.
type Batch struct {
	Table   string
	Node    string
	Records []source.Record
	Results []kpi.Result
}

// Stats counts rows actually inserted; rows already present are skipped.
type Stats struct {
	Staged    int64
	Summaries int64
	Details   int64
}

type Loader struct {
	DB            *sql.DB
	Dialect       Dialect
	Catalog       *kpi.Catalog
	StagingPrefix string
	WriteTimeout  time.Duration
	Logger        *zap.Logger

	counters    map[string][]string
	schemaMu    sync.Mutex
	schemaReady bool
	staging     *xsync.Map[string, struct{}]
	closers     []func() error
}

func New(db *sql.DB, dialect Dialect, catalog *kpi.Catalog, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	counters := make(map[string][]string, len(catalog.Formulas))
	for _, f := range catalog.Formulas {
		counters[f.Name] = utils.SortedUnique(f.Operands())
	}
	return &Loader{
		DB:       db,
		Dialect:  dialect,
		Catalog:  catalog,
		Logger:   logger,
		counters: counters,
		staging:  xsync.NewMap[string, struct{}](),
	}
}

// Open connects to the configured destination.
func Open(ctx context.Context, logger *zap.Logger, cfg Config, catalog *kpi.Catalog) (*Loader, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var (
		db      *sql.DB
		closers []func() error
	)
	switch dialect.Name {
	case Postgres.Name:
		client, err := postgres.New(ctx, logger, cfg.PostgresURL, postgres.GetPoolConfigForComponent("destination"))
		if err != nil {
			return nil, err
		}
		db = client.StdDB()
		closers = append(closers, db.Close, func() error { client.Close(); return nil })
	default:
		m, err := source.OpenMySQL(ctx, logger, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		db = m.DB
		closers = append(closers, db.Close)
	}

	l := New(db, dialect, catalog, logger)
	l.StagingPrefix = cfg.StagingPrefix
	l.WriteTimeout = cfg.WriteTimeout
	l.closers = closers
	return l, nil
}

func (l *Loader) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Commit writes a batch's staged rows, KPI summaries and details in one
// transaction. Rows already present are skipped, so replaying a batch after a
// crash between commit and checkpoint is harmless.
func (l *Loader) Commit(ctx context.Context, b Batch) (Stats, error) {
	var stats Stats
	if err := l.EnsureSchema(ctx); err != nil {
		return stats, err
	}
	if err := l.ensureStaging(ctx, b.Table); err != nil {
		return stats, err
	}

	if l.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.WriteTimeout)
		defer cancel()
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin %s: %w", b.Table, err)
	}
	if err := l.write(ctx, tx, b, &stats); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.Logger.Error("Rollback failed", zap.String("table", b.Table), zap.Error(rbErr))
		}
		return Stats{}, err
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit %s: %w", b.Table, err)
	}
	return stats, nil
}

func (l *Loader) write(ctx context.Context, tx *sql.Tx, b Batch, stats *Stats) error {
	for start := 0; start < len(b.Records); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(b.Records))
		ins := l.Dialect.insertIgnore(l.stagingName(b.Table)).
			Columns(l.Dialect.Quote("row_offset"), l.Dialect.Quote("Date"), l.Dialect.Quote("indicateur"), l.Dialect.Quote("valeur"))
		for _, r := range b.Records[start:end] {
			ins = ins.Values(r.Offset, r.Timestamp, r.Indicator, nullable(r.Value))
		}
		n, err := execInsert(ctx, tx, ins)
		if err != nil {
			return fmt.Errorf("stage %s at offset %d: %w", b.Table, b.Records[start].Offset, err)
		}
		stats.Staged += n
	}

	if len(b.Results) == 0 {
		return nil
	}

	ids := map[int64]int64{}
	byKPI := map[string][]kpi.Result{}
	var order []string
	for _, r := range b.Results {
		key := r.Timestamp.UnixNano()
		if _, ok := ids[key]; !ok {
			id, inserted, err := l.summaryID(ctx, tx, b.Table, r.Timestamp, r.Node)
			if err != nil {
				return err
			}
			ids[key] = id
			stats.Summaries += inserted
		}
		if _, ok := byKPI[r.KPI]; !ok {
			order = append(order, r.KPI)
		}
		byKPI[r.KPI] = append(byKPI[r.KPI], r)
	}

	for _, name := range order {
		counters, ok := l.counters[name]
		if !ok {
			return fmt.Errorf("kpi %s is not in the catalog", name)
		}
		cols := detailsColumns(counters)
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = l.Dialect.Quote(c)
		}

		results := byKPI[name]
		for start := 0; start < len(results); start += rowsPerInsert {
			end := min(start+rowsPerInsert, len(results))
			ins := l.Dialect.insertIgnore(DetailsTable(name)).Columns(quoted...)
			for _, r := range results[start:end] {
				vals := make([]any, 0, len(cols))
				vals = append(vals, ids[r.Timestamp.UnixNano()], suffixValue(r.GroupSuffix), suffixValue(r.Suffix), r.Direction)
				for _, c := range counters {
					vals = append(vals, nullable(r.Operands[c]))
				}
				vals = append(vals, nullable(r.Value))
				ins = ins.Values(vals...)
			}
			n, err := execInsert(ctx, tx, ins)
			if err != nil {
				return fmt.Errorf("insert %s for %s at %s: %w", DetailsTable(name), b.Table, results[start].Timestamp.Format(time.DateTime), err)
			}
			stats.Details += n
		}
	}
	return nil
}

// summaryID returns the summary row id for (table, date, node), inserting
// it if absent. inserted is 1 when a new row was created.
func (l *Loader) summaryID(ctx context.Context, tx *sql.Tx, table string, ts time.Time, node string) (int64, int64, error) {
	d := l.Dialect
	ins := d.insertIgnore(SummaryTable).
		Columns(d.Quote("source_table"), d.Quote("Date"), d.Quote("Node")).
		Values(table, ts, node)
	inserted, err := execInsert(ctx, tx, ins)
	if err != nil {
		return 0, 0, fmt.Errorf("insert %s for %s at %s: %w", SummaryTable, table, ts.Format(time.DateTime), err)
	}

	query, args, err := d.builder().
		Select(d.Quote("Id")).
		From(d.Quote(SummaryTable)).
		Where(sq.Eq{d.Quote("source_table"): table, d.Quote("Date"): ts, d.Quote("Node"): node}).
		ToSql()
	if err != nil {
		return 0, 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, 0, fmt.Errorf("select %s id for %s at %s: %w", SummaryTable, table, ts.Format(time.DateTime), err)
	}
	return id, inserted, nil
}

func execInsert(ctx context.Context, tx *sql.Tx, ins sq.InsertBuilder) (int64, error) {
	query, args, err := ins.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func suffixValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
