package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

var gooseDialects = map[string]goose.Dialect{
	"sqlite":   goose.DialectSQLite3,
	"postgres": goose.DialectPostgres,
}

// Migrate applies the embedded checkpoint schema for dialect ("sqlite" or
// "postgres"). Each call uses its own goose provider, so stores of different
// backends can migrate concurrently.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	gd, ok := gooseDialects[dialect]
	if !ok {
		return fmt.Errorf("unsupported checkpoint dialect %q", dialect)
	}
	fsys, err := fs.Sub(migrations, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to open %s migrations: %w", dialect, err)
	}

	provider, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
