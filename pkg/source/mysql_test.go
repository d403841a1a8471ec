package source

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMock(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQL(db, zaptest.NewLogger(t)), mock
}

func TestListTables(t *testing.T) {
	src, mock := newMock(t)
	mock.ExpectQuery("SHOW TABLES").WillReturnRows(
		sqlmock.NewRows([]string{"Tables_in_kpi"}).
			AddRow("RAIND-APG43_5_S01_A2024").
			AddRow("CASAMGW_S02_A2024"),
	)

	names, err := src.ListTables(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"RAIND-APG43_5_S01_A2024", "CASAMGW_S02_A2024"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountRows(t *testing.T) {
	src, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `RAIND-APG43_5_S01_A2024`")).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(42))

	n, err := src.CountRows(context.Background(), "RAIND-APG43_5_S01_A2024")
	require.NoError(t, err)
	require.EqualValues(t, 42, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBatchOrdersAndPages(t *testing.T) {
	src, mock := newMock(t)
	ts := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT date_heure, ID_indicateur, valeur FROM `T_S01_A2024` ORDER BY date_heure ASC, ID_indicateur ASC LIMIT 2 OFFSET 10",
	)).WillReturnRows(
		sqlmock.NewRows([]string{"date_heure", "ID_indicateur", "valeur"}).
			AddRow(ts, 1, 12.5).
			AddRow(ts, 2, nil),
	)

	rows, err := src.FetchBatch(context.Background(), "T_S01_A2024", 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, ts, rows[0].Timestamp)
	require.EqualValues(t, 1, rows[0].IndicatorID)
	require.NotNil(t, rows[0].Value)
	require.Equal(t, 12.5, *rows[0].Value)
	require.Nil(t, rows[1].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBatchPropagatesErrors(t *testing.T) {
	src, mock := newMock(t)
	mock.ExpectQuery("SELECT date_heure").WillReturnError(errors.New("connection reset"))

	_, err := src.FetchBatch(context.Background(), "T_S01_A2024", 0, 10)
	require.ErrorContains(t, err, "connection reset")
}

func TestQuoteIdentRejectsInjection(t *testing.T) {
	_, err := QuoteIdent("t; DROP TABLE x")
	require.Error(t, err)

	q, err := QuoteIdent("CALIS_APG43-5_S02_A2023")
	require.NoError(t, err)
	require.Equal(t, "`CALIS_APG43-5_S02_A2023`", q)
}

func TestConfigFormatDSN(t *testing.T) {
	dsn := Config{Host: "db", User: "etl", Password: "pw", Database: "src"}.FormatDSN()
	require.Contains(t, dsn, "etl:pw@tcp(db:3306)/src")
	require.Contains(t, dsn, "parseTime=true")

	require.Equal(t, "raw", Config{DSN: "raw", Host: "ignored"}.FormatDSN())
}
