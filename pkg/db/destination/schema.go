package destination

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
)

const (
	SummaryTable  = "kpi_summary"
	DetailsSuffix = "_details"
)

// DetailsTable names the details relation of a KPI.
func DetailsTable(kpiName string) string { return kpiName + DetailsSuffix }

func (l *Loader) summaryDDL() string {
	d := l.Dialect
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s %s,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	UNIQUE (%s, %s, %s)
)`,
		d.Quote(SummaryTable),
		d.Quote("Id"), d.AutoID,
		d.Quote("source_table"), d.Text,
		d.Quote("Date"), d.Timestamp,
		d.Quote("Node"), d.Text,
		d.Quote("source_table"), d.Quote("Date"), d.Quote("Node"),
	)
}

// detailsColumns returns the details column order: keys, then the sorted
// counters, then value.
func detailsColumns(counters []string) []string {
	cols := make([]string, 0, len(counters)+5)
	cols = append(cols, "kpi_id", "group_suffix", "suffix", "direction")
	cols = append(cols, counters...)
	return append(cols, "value")
}

func (l *Loader) detailsDDL(kpiName string, counters []string) string {
	d := l.Dialect
	defs := []string{
		d.Quote("id") + " " + d.AutoID,
		d.Quote("kpi_id") + " " + d.RefID,
		d.Quote("group_suffix") + " " + d.Text + " NOT NULL DEFAULT ''",
		d.Quote("suffix") + " " + d.Text + " NOT NULL DEFAULT ''",
		d.Quote("direction") + " VARCHAR(2) NOT NULL DEFAULT ''",
	}
	for _, c := range counters {
		defs = append(defs, d.Quote(c)+" "+d.Float)
	}
	defs = append(defs,
		d.Quote("value")+" "+d.Float,
		// suffix is the resolved leg; routes sharing a leg differ only by group_suffix.
		fmt.Sprintf("UNIQUE (%s, %s)", d.Quote("kpi_id"), d.Quote("group_suffix")),
		fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", d.Quote("kpi_id"), d.Quote(SummaryTable), d.Quote("Id")),
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.Quote(DetailsTable(kpiName)), strings.Join(defs, ",\n\t"))
}

func (l *Loader) stagingDDL(table string) string {
	d := l.Dialect
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s BIGINT NOT NULL PRIMARY KEY,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s
)`,
		d.Quote(l.stagingName(table)),
		d.Quote("row_offset"),
		d.Quote("Date"), d.Timestamp,
		d.Quote("indicateur"), d.Text,
		d.Quote("valeur"), d.Float,
	)
}

func (l *Loader) stagingName(table string) string {
	return l.StagingPrefix + table
}

// EnsureSchema creates the summary and every details relation if absent.
// Counter columns missing from an existing details relation are appended;
// existing columns are never reordered or redeclared.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	l.schemaMu.Lock()
	defer l.schemaMu.Unlock()
	if l.schemaReady {
		return nil
	}

	if _, err := l.DB.ExecContext(ctx, l.summaryDDL()); err != nil {
		return fmt.Errorf("create %s: %w", SummaryTable, err)
	}
	for _, f := range l.Catalog.Formulas {
		counters := l.counters[f.Name]
		if _, err := l.DB.ExecContext(ctx, l.detailsDDL(f.Name, counters)); err != nil {
			return fmt.Errorf("create %s: %w", DetailsTable(f.Name), err)
		}
		if err := l.addMissingColumns(ctx, DetailsTable(f.Name), counters); err != nil {
			return err
		}
	}
	l.schemaReady = true
	l.Logger.Info("Destination schema ready", zap.String("dialect", l.Dialect.Name), zap.Int("kpis", len(l.Catalog.Formulas)))
	return nil
}

func (l *Loader) addMissingColumns(ctx context.Context, table string, counters []string) error {
	query, args, err := l.Dialect.builder().
		Select("column_name").
		From("information_schema.columns").
		Where("table_schema = " + l.Dialect.CurrentSchema).
		Where(sq.Eq{"table_name": table}).
		ToSql()
	if err != nil {
		return err
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("columns of %s: %w", table, err)
	}
	existing := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("columns of %s: %w", table, err)
		}
		existing[strings.ToLower(name)] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("columns of %s: %w", table, err)
	}

	for _, c := range counters {
		if _, ok := existing[strings.ToLower(c)]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", l.Dialect.Quote(table), l.Dialect.Quote(c), l.Dialect.Float)
		if _, err := l.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c, err)
		}
		l.Logger.Info("Added counter column", zap.String("table", table), zap.String("column", c))
	}
	return nil
}

func (l *Loader) ensureStaging(ctx context.Context, table string) error {
	if _, ok := l.staging.Load(table); ok {
		return nil
	}
	if _, err := l.DB.ExecContext(ctx, l.stagingDDL(table)); err != nil {
		return fmt.Errorf("create staging %s: %w", l.stagingName(table), err)
	}
	l.staging.Store(table, struct{}{})
	return nil
}
