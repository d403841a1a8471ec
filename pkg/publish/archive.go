package publish

import (
	"context"
	"fmt"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/clickhouse"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/source"
	"go.uber.org/zap"
)

const ArchiveTable = "raw_counters"

// archiveDDL keys rows by (source_table, row_offset) on a ReplacingMergeTree
// so replayed batches collapse on merge.
func archiveDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_table LowCardinality(String),
	node LowCardinality(String),
	row_offset Int64,
	date DateTime('UTC'),
	indicateur String,
	valeur Nullable(Float64),
	ingested_at DateTime DEFAULT now()
) ENGINE = %s(ingested_at)
PARTITION BY toYYYYMM(date)
ORDER BY (source_table, row_offset)`, table, clickhouse.ReplacingMergeTree)
}

// Archive copies every resolved row into ClickHouse.
type Archive struct {
	Client clickhouse.Client
	Logger *zap.Logger
}

// NewArchive creates the archive table if missing.
func NewArchive(ctx context.Context, client clickhouse.Client, logger *zap.Logger) (*Archive, error) {
	if err := client.Exec(ctx, archiveDDL(ArchiveTable)); err != nil {
		return nil, fmt.Errorf("create %s: %w", ArchiveTable, err)
	}
	return &Archive{Client: client, Logger: logger}, nil
}

func (a *Archive) Name() string { return "clickhouse" }

func (a *Archive) Publish(ctx context.Context, table, node string, records []source.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := a.Client.PrepareBatch(ctx, "INSERT INTO "+ArchiveTable+" (source_table, node, row_offset, date, indicateur, valeur)")
	if err != nil {
		return fmt.Errorf("prepare archive batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(table, node, r.Offset, r.Timestamp.UTC(), r.Indicator, r.Value); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append archive row %d: %w", r.Offset, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send archive batch for %s: %w", table, err)
	}
	a.Logger.Debug("Archived rows", zap.String("table", table), zap.Int("rows", len(records)))
	return nil
}

func (a *Archive) Close() error { return a.Client.Close() }
