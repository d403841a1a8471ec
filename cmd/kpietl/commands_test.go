package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/classify"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPrintCheckpoints(t *testing.T) {
	var buf bytes.Buffer
	printCheckpoints(&buf, []checkpoint.Checkpoint{
		{Table: "RAIND-APG43_5_S01_A2024", Offset: 50, Extracted: 50, Total: 200, Watermark: time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)},
		{Table: "RAIND-APG43_5_S02_A2024", Extracted: 10, Total: 10, Completed: true},
	})
	out := buf.String()
	assert.Contains(t, out, "IN_PROGRESS")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "2024-01-01 00:05:00")
	assert.Contains(t, out, "COMPLETE")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, orchestrator.Report{
		RunID:     "r1",
		Tables:    2,
		Completed: []string{"a"},
		Failed:    []*orchestrator.TableError{{Table: "b", Err: assert.AnError}},
	})
	assert.Contains(t, buf.String(), "2 tables, 1 completed")
	assert.Contains(t, buf.String(), "table b at offset 0")
}

func TestPrintClassification(t *testing.T) {
	var buf bytes.Buffer
	printClassification(&buf, classify.Result{
		ByCadence: map[classify.Cadence][]classify.SourceTable{
			classify.Cadence5Min: {{Name: "a"}, {Name: "b"}},
			classify.CadenceMGW:  nil,
		},
		Dropped: []classify.Diagnostic{{Table: "x", Reason: "year 2019 < 2024"}},
	})
	assert.Contains(t, buf.String(), "5min")
	assert.Contains(t, buf.String(), "dropped")
}

func TestStatusCommandReadsSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	store, err := checkpoint.OpenSQLite(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), checkpoint.Checkpoint{Table: "RAIND-APG43_5_S01_A2024", Offset: 3, Extracted: 3}))
	require.NoError(t, store.Close())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--json", "--checkpoint-path", path, "--log-level", "error"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"table": "RAIND-APG43_5_S01_A2024"`)
}
