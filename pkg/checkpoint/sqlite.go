package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// SQLiteStore persists checkpoints in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the checkpoint database at path and
// migrates it. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer keeps ":memory:" on a single connection as well
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if err := Migrate(context.Background(), db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Checkpoint store ready", zap.String("backend", "sqlite"), zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, table string) (Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT table_name, offset_pos, watermark, extracted_count, total_count,
		       unresolved_count, completed, updated_at
		FROM extraction_checkpoints
		WHERE table_name = ?`, table)

	cp, err := scanSQLite(row)
	if err == sql.ErrNoRows {
		return Checkpoint{Table: table}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", table, err)
	}
	return cp, true, nil
}

// Put upserts cp; the conflict clause only applies when the offset does not
// move backwards, so zero affected rows means a regression.
func (s *SQLiteStore) Put(ctx context.Context, cp Checkpoint) error {
	watermark := ""
	if !cp.Watermark.IsZero() {
		watermark = cp.Watermark.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_checkpoints (
			table_name, offset_pos, watermark, extracted_count, total_count,
			unresolved_count, completed, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET
			offset_pos = excluded.offset_pos,
			watermark = excluded.watermark,
			extracted_count = excluded.extracted_count,
			total_count = excluded.total_count,
			unresolved_count = excluded.unresolved_count,
			completed = excluded.completed,
			updated_at = excluded.updated_at
		WHERE extraction_checkpoints.offset_pos <= excluded.offset_pos`,
		cp.Table, cp.Offset, watermark, cp.Extracted, cp.Total, cp.Unresolved,
		boolToInt(cp.Completed), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.Table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.Table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: table %s offset %d", ErrRegression, cp.Table, cp.Offset)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		cp, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		watermark string
		updatedAt string
		completed int
	)
	if err := row.Scan(&cp.Table, &cp.Offset, &watermark, &cp.Extracted, &cp.Total,
		&cp.Unresolved, &completed, &updatedAt); err != nil {
		return Checkpoint{}, err
	}
	cp.Completed = completed != 0
	if watermark != "" {
		t, err := time.Parse(time.RFC3339Nano, watermark)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("watermark %q: %w", watermark, err)
		}
		cp.Watermark = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		cp.UpdatedAt = t
	}
	return cp, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
