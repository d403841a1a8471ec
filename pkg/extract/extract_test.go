package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/kpi"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/reference"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/retry"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const table = "RAIND-APG43_5_S01_A2024"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func raw(minute int, id int64, v float64) source.RawRecord {
	return source.RawRecord{Timestamp: t0.Add(time.Duration(minute) * time.Minute), IndicatorID: id, Value: &v}
}

func newExtractor(t *testing.T, src source.Store, batch int) (*Extractor, *reference.Mapping) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "indicateur_RAIND-APG43_5.csv"),
		[]byte("ID_indicateur,indicateur,type\n1,LocNLALOCSUCC,c\n2,LocNLALOCTOT,c\n"), 0o644))
	refs := reference.NewLoader(dir, zaptest.NewLogger(t))
	e := New(src, refs, Config{BatchSize: batch, Retry: fastRetry()}, zaptest.NewLogger(t))
	m, err := e.Reference(table)
	require.NoError(t, err)
	return e, m
}

func TestNextAlignsToTimestampBoundary(t *testing.T) {
	src := source.NewMemory()
	src.Append(table, raw(0, 1, 1), raw(0, 2, 2), raw(5, 1, 3), raw(5, 2, 4), raw(10, 1, 5))
	e, m := newExtractor(t, src, 3)

	b, err := e.Next(context.Background(), table, m, checkpoint.Checkpoint{Table: table})
	require.NoError(t, err)
	// the third row shares minute 5 with the fourth, so it is held back
	assert.EqualValues(t, 2, b.Fetched)
	assert.EqualValues(t, 2, b.NextOffset())
	assert.Equal(t, t0, b.Watermark)

	cp := checkpoint.Checkpoint{Table: table}.Advance(b.Fetched, b.Unresolved, b.Watermark)
	b, err = e.Next(context.Background(), table, m, cp)
	require.NoError(t, err)
	assert.EqualValues(t, 2, b.Fetched)
	assert.EqualValues(t, 2, b.Records[0].Offset)

	cp = cp.Advance(b.Fetched, b.Unresolved, b.Watermark)
	b, err = e.Next(context.Background(), table, m, cp)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.Fetched, "final partial page is taken whole")

	cp = cp.Advance(b.Fetched, b.Unresolved, b.Watermark)
	b, err = e.Next(context.Background(), table, m, cp)
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestNextGrowsSingleTimestampPage(t *testing.T) {
	src := source.NewMemory()
	src.Append(table, raw(0, 1, 1), raw(0, 2, 2), raw(0, 3, 3), raw(5, 1, 4))
	e, m := newExtractor(t, src, 2)

	b, err := e.Next(context.Background(), table, m, checkpoint.Checkpoint{Table: table})
	require.NoError(t, err)
	assert.EqualValues(t, 3, b.Fetched)
	assert.EqualValues(t, 1, b.Unresolved, "id 3 has no reference entry")
	assert.Len(t, b.Records, 2)
}

func TestNextRetriesTransientFaults(t *testing.T) {
	src := source.NewMemory()
	src.Append(table, raw(0, 1, 1))
	e, m := newExtractor(t, src, 10)

	src.FailNext(2)
	b, err := e.Next(context.Background(), table, m, checkpoint.Checkpoint{Table: table})
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.Fetched)

	src.FailNext(3)
	_, err = e.Next(context.Background(), table, m, checkpoint.Checkpoint{Table: table})
	require.Error(t, err)
	assert.Contains(t, err.Error(), table)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestReferenceMissingIsPermanent(t *testing.T) {
	e := New(source.NewMemory(), reference.NewLoader(t.TempDir(), zaptest.NewLogger(t)), Config{}, zaptest.NewLogger(t))
	_, err := e.Reference("CALIS_APG43_5_S01_A2024")
	require.ErrorIs(t, err, ErrReferenceMissing)
	assert.True(t, retry.IsPermanent(err))
}

func TestReferenceWarnsOncePerFamilyAboutPartialKPIs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "indicateur_RAIND-APG43_5.csv"),
		[]byte("ID_indicateur,indicateur\n1,LocNLALOCSUCC\n2,LocNLALOCTOT\n"), 0o644))
	core, logs := observer.New(zapcore.WarnLevel)

	e := New(source.NewMemory(), reference.NewLoader(dir, zaptest.NewLogger(t)), Config{}, zap.New(core))
	e.Catalog = &kpi.Catalog{
		Formulas: []kpi.Formula{
			{Name: "TxMajLa", Numerator: []string{"LocNLALOCSUCC"}, Denominator: []string{"LocNLALOCTOT"}},
			{Name: "Mixed", Numerator: []string{"LocNLALOCSUCC"}, Denominator: []string{"VoiproNCALLSO", "VoiproNSCAN"}},
			{Name: "Foreign", Numerator: []string{"VoiproOANSWER"}, Denominator: []string{"VoiproNCALLSO"}},
		},
		Directions: map[string]kpi.Direction{"VoiproNCALLSO": kpi.DirectionOut, "VoiproOANSWER": kpi.DirectionOut},
	}

	_, err := e.Reference(table)
	require.NoError(t, err)
	_, err = e.Reference("RAIND-APG43_5_S02_A2024")
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1, "one warning per family")
	fields := entries[0].ContextMap()
	assert.Equal(t, "RAIND-APG43_5", fields["base"])
	assert.Equal(t, []interface{}{"Mixed"}, fields["kpis"], "fully covered and fully foreign KPIs are not reported")
	assert.Equal(t, []interface{}{"VoiproNCALLSO", "VoiproNSCAN"}, fields["counters"])
	assert.Equal(t, []interface{}{"VoiproNCALLSO"}, fields["directed"])
}

func TestSettle(t *testing.T) {
	src := source.NewMemory()
	src.Append(table, raw(0, 1, 1), raw(0, 2, 2))
	e, _ := newExtractor(t, src, 10)
	ctx := context.Background()

	cp := checkpoint.Checkpoint{Table: table}.Advance(2, 0, t0)
	total, done, err := e.Settle(ctx, cp)
	require.NoError(t, err)
	assert.True(t, done)
	assert.EqualValues(t, 2, total)

	src.Append(table, raw(5, 1, 3))
	total, done, err = e.Settle(ctx, cp)
	require.NoError(t, err)
	assert.False(t, done)
	assert.EqualValues(t, 3, total)

	src.Truncate(table, 1)
	_, _, err = e.Settle(ctx, cp)
	require.ErrorIs(t, err, ErrSourceShrank)
}
