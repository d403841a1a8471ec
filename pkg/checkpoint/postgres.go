package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresStore persists checkpoints in a shared PostgreSQL database, for
// deployments where several hosts resume the same tables.
type PostgresStore struct {
	postgres.Client
}

// OpenPostgres connects to url and migrates the checkpoint schema.
func OpenPostgres(ctx context.Context, logger *zap.Logger, url string) (*PostgresStore, error) {
	poolConfig := postgres.GetPoolConfigForComponent("checkpoint")
	client, err := postgres.New(ctx, logger.With(zap.String("component", poolConfig.Component)), url, poolConfig)
	if err != nil {
		return nil, err
	}

	std := client.StdDB()
	defer std.Close()
	if err := Migrate(ctx, std, "postgres"); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Checkpoint store ready", zap.String("backend", "postgres"))
	return &PostgresStore{Client: client}, nil
}

func (s *PostgresStore) Get(ctx context.Context, table string) (Checkpoint, bool, error) {
	row := s.QueryRow(ctx, `
		SELECT table_name, offset_pos, watermark, extracted_count, total_count,
		       unresolved_count, completed, updated_at
		FROM extraction_checkpoints
		WHERE table_name = $1`, table)

	cp, err := scanPostgres(row)
	if err != nil {
		if postgres.IsNoRows(err) {
			return Checkpoint{Table: table}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", table, err)
	}
	return cp, true, nil
}

// Put upserts cp unless it would move the stored offset backwards.
func (s *PostgresStore) Put(ctx context.Context, cp Checkpoint) error {
	var watermark *time.Time
	if !cp.Watermark.IsZero() {
		watermark = &cp.Watermark
	}
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO extraction_checkpoints (
			table_name, offset_pos, watermark, extracted_count, total_count,
			unresolved_count, completed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (table_name) DO UPDATE SET
			offset_pos = EXCLUDED.offset_pos,
			watermark = EXCLUDED.watermark,
			extracted_count = EXCLUDED.extracted_count,
			total_count = EXCLUDED.total_count,
			unresolved_count = EXCLUDED.unresolved_count,
			completed = EXCLUDED.completed,
			updated_at = NOW()
		WHERE extraction_checkpoints.offset_pos <= EXCLUDED.offset_pos`,
		cp.Table, cp.Offset, watermark, cp.Extracted, cp.Total, cp.Unresolved, cp.Completed)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: table %s offset %d", ErrRegression, cp.Table, cp.Offset)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.Query(ctx, `
		SELECT table_name, offset_pos, watermark, extracted_count, total_count,
		       unresolved_count, completed, updated_at
		FROM extraction_checkpoints
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.Client.Close()
	return nil
}

func scanPostgres(row pgx.Row) (Checkpoint, error) {
	var (
		cp        Checkpoint
		watermark *time.Time
	)
	if err := row.Scan(&cp.Table, &cp.Offset, &watermark, &cp.Extracted, &cp.Total,
		&cp.Unresolved, &cp.Completed, &cp.UpdatedAt); err != nil {
		return Checkpoint{}, err
	}
	if watermark != nil {
		cp.Watermark = *watermark
	}
	return cp, nil
}
