package destination

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const table = "RAIND-APG43_5_S01_A2024"

var ts = time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

func smallCatalog() *kpi.Catalog {
	c := kpi.DefaultCatalog()
	f, _ := c.Lookup("TxMajLa")
	return &kpi.Catalog{Formulas: []kpi.Formula{f}, Directions: c.Directions}
}

func f64(v float64) *float64 { return &v }

func newLoader(t *testing.T) (*Loader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, MySQL, smallCatalog(), zaptest.NewLogger(t)), mock
}

func expectSchema(mock sqlmock.Sqlmock, existing ...string) {
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `kpi_summary`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `TxMajLa_details`")).WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, c := range existing {
		rows.AddRow(c)
	}
	mock.ExpectQuery("information_schema.columns").WithArgs("TxMajLa_details").WillReturnRows(rows)
}

func sampleBatch() Batch {
	return Batch{
		Table: table,
		Node:  "RAIND",
		Records: []source.Record{
			{Offset: 0, Timestamp: ts, Indicator: "LocNLALOCSUCC", Value: f64(80)},
			{Offset: 1, Timestamp: ts, Indicator: "LocNLALOCTOT", Value: f64(100)},
		},
		Results: []kpi.Result{{
			Timestamp: ts,
			Node:      "RAIND",
			KPI:       "TxMajLa",
			Value:     f64(80),
			Operands:  map[string]*float64{"LocNLALOCSUCC": f64(80), "LocNLALOCTOT": f64(100)},
		}},
	}
}

var fullColumns = []string{"id", "kpi_id", "group_suffix", "suffix", "direction", "LocNLALOCSUCC", "LocNLALOCTOT", "value"}

func TestDetailsDDLHasSortedUniqueColumns(t *testing.T) {
	c := kpi.DefaultCatalog()
	f, ok := c.Lookup("CSFB_Call_MT")
	require.True(t, ok)
	l := New(nil, MySQL, &kpi.Catalog{Formulas: []kpi.Formula{f}}, nil)

	ddl := l.detailsDDL(f.Name, l.counters[f.Name])
	assert.Equal(t, 1, strings.Count(ddl, "`CsfbNSUCCCSFB`"), "operand declared twice gets one column")
	iSucc := strings.Index(ddl, "`CsfbNSUCCCSFB`")
	iUnsucc := strings.Index(ddl, "`CsfbNUNSUCCCSFB`")
	iRej := strings.Index(ddl, "`CsfbNUSREJCSFB`")
	assert.True(t, iSucc < iUnsucc && iUnsucc < iRej)
	assert.Equal(t, ddl, l.detailsDDL(f.Name, l.counters[f.Name]), "stable across calls")
}

func TestEnsureSchemaRunsOnceAndAddsMissingColumns(t *testing.T) {
	l, mock := newLoader(t)
	expectSchema(mock, "id", "kpi_id", "group_suffix", "suffix", "direction", "LocNLALOCSUCC", "value")
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE `TxMajLa_details` ADD COLUMN `LocNLALOCTOT` DOUBLE")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.EnsureSchema(context.Background()))
	require.NoError(t, l.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitWritesBatchInOneTransaction(t *testing.T) {
	l, mock := newLoader(t)
	expectSchema(mock, fullColumns...)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `" + table + "`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `"+table+"`")).
		WithArgs(0, ts, "LocNLALOCSUCC", 80.0, 1, ts, "LocNLALOCTOT", 100.0).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `kpi_summary`")).
		WithArgs(table, ts, "RAIND").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `Id` FROM `kpi_summary`")).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `TxMajLa_details` (`kpi_id`,`group_suffix`,`suffix`,`direction`,`LocNLALOCSUCC`,`LocNLALOCTOT`,`value`)")).
		WithArgs(7, "", "", "", 80.0, 100.0, 80.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	stats, err := l.Commit(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, Stats{Staged: 2, Summaries: 1, Details: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitKeepsRoutesSharingALeg(t *testing.T) {
	c := kpi.DefaultCatalog()
	asr, ok := c.Lookup("ASR_OUT")
	require.True(t, ok)
	catalog := &kpi.Catalog{Formulas: []kpi.Formula{asr}, Directions: c.Directions}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l := New(db, MySQL, catalog, zaptest.NewLogger(t))

	ddl := l.detailsDDL(asr.Name, l.counters[asr.Name])
	assert.Contains(t, ddl, "UNIQUE (`kpi_id`, `group_suffix`)")

	rows := []source.Record{
		{Offset: 0, Timestamp: ts, Indicator: "VoiproOANSWER.A-B", Value: f64(50)},
		{Offset: 1, Timestamp: ts, Indicator: "VoiproNCALLSO.A-B", Value: f64(100)},
		{Offset: 2, Timestamp: ts, Indicator: "VoiproOANSWER.A-C", Value: f64(10)},
		{Offset: 3, Timestamp: ts, Indicator: "VoiproNCALLSO.A-C", Value: f64(100)},
	}
	results := kpi.NewEngine(catalog, nil).Aggregate("CASA", rows)
	require.Len(t, results, 2)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `kpi_summary`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `ASR_OUT_details`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("information_schema.columns").WithArgs("ASR_OUT_details").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("VoiproNCALLSO").AddRow("VoiproOANSWER"))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `" + table + "`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `" + table + "`")).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `kpi_summary`")).WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `Id` FROM `kpi_summary`")).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow(3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `ASR_OUT_details` (`kpi_id`,`group_suffix`,`suffix`,`direction`,`VoiproNCALLSO`,`VoiproOANSWER`,`value`)")).
		WithArgs(3, "A-B", "A", kpi.MarkerOut, 100.0, 50.0, 50.0, 3, "A-C", "A", kpi.MarkerOut, 100.0, 10.0, 10.0).
		WillReturnResult(sqlmock.NewResult(2, 2))
	mock.ExpectCommit()

	stats, err := l.Commit(context.Background(), Batch{Table: table, Node: "CASA", Records: rows, Results: results})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Details, "both routes written")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRollsBackOnMidBatchFailure(t *testing.T) {
	l, mock := newLoader(t)
	expectSchema(mock, fullColumns...)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `" + table + "`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `" + table + "`")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO `kpi_summary`")).WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	stats, err := l.Commit(context.Background(), sampleBatch())
	require.ErrorContains(t, err, "lock wait timeout")
	assert.Equal(t, Stats{}, stats, "nothing reported as written")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDialectStatements(t *testing.T) {
	q, args, err := Postgres.insertIgnore(SummaryTable).
		Columns(Postgres.Quote("source_table"), Postgres.Quote("Date"), Postgres.Quote("Node")).
		Values(table, ts, "RAIND").
		ToSql()
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "kpi_summary" ("source_table","Date","Node") VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`, q)
	assert.Len(t, args, 3)

	l := New(nil, Postgres, smallCatalog(), nil)
	assert.Contains(t, l.summaryDDL(), `"Id" BIGSERIAL PRIMARY KEY`)
	assert.Contains(t, l.stagingDDL(table), `"`+table+`"`)

	_, err = DialectFor("oracle")
	require.Error(t, err)
}
