package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/retry"
	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// Config addresses a MySQL source. DSN wins over the discrete fields.
type Config struct {
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`

	MaxOpenConns    int           `koanf:"max_open_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// FormatDSN renders the driver DSN. DATETIME columns are parsed into
// time.Time in UTC.
func (c Config) FormatDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	port := c.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, port)
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// MySQL is a Store over database/sql with the go-sql-driver/mysql driver.
type MySQL struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// OpenMySQL opens the pool and waits, with backoff, for the server to answer.
func OpenMySQL(ctx context.Context, logger *zap.Logger, cfg Config) (*MySQL, error) {
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "mysql_connection", func() error {
		return db.PingContext(connCtx)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("MySQL source connected",
		zap.String("database", cfg.Database),
		zap.Int("max_open_conns", maxOpen),
	)
	return NewMySQL(db, logger), nil
}

// NewMySQL wraps an already opened handle.
func NewMySQL(db *sql.DB, logger *zap.Logger) *MySQL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MySQL{DB: db, Logger: logger}
}

func (m *MySQL) ListTables(ctx context.Context) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("show tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (m *MySQL) CountRows(ctx context.Context, table string) (int64, error) {
	ident, err := QuoteIdent(table)
	if err != nil {
		return 0, err
	}
	query, args, err := sq.Select("COUNT(*)").From(ident).ToSql()
	if err != nil {
		return 0, err
	}

	var n int64
	if err := m.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (m *MySQL) FetchBatch(ctx context.Context, table string, offset int64, limit int) ([]RawRecord, error) {
	ident, err := QuoteIdent(table)
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("date_heure", "ID_indicateur", "valeur").
		From(ident).
		OrderBy("date_heure ASC", "ID_indicateur ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s at %d: %w", table, offset, err)
	}
	defer rows.Close()

	out := make([]RawRecord, 0, limit)
	for rows.Next() {
		var (
			rec   RawRecord
			value sql.NullFloat64
		)
		if err := rows.Scan(&rec.Timestamp, &rec.IndicatorID, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if value.Valid {
			v := value.Float64
			rec.Value = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s at %d: %w", table, offset, err)
	}
	return out, nil
}

func (m *MySQL) Close() error {
	return m.DB.Close()
}
