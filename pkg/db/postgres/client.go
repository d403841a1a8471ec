package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// This allows methods to work with either a connection pool or a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string // For logging/debugging
}

// New connects to url, retrying with backoff until the pool answers a ping or
// ctx (capped at 5 minutes) expires.
func New(ctx context.Context, logger *zap.Logger, url string, poolConfig ...*PoolConfig) (client Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger

	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse postgres url: %w", err)
	}

	poolConf := *GetPoolConfigForComponent("")
	if len(poolConfig) > 0 && poolConfig[0] != nil {
		poolConf = *poolConfig[0]
	}

	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		client.Pool = pool

		logger.Info("PostgreSQL connection pool configured",
			zap.String("component", poolConf.Component),
			zap.Int32("min_conns", poolConf.MinConns),
			zap.Int32("max_conns", poolConf.MaxConns),
			zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
			zap.Duration("conn_max_idle_time", poolConf.ConnMaxIdleTime),
		)
		return nil
	})
	if retryErr != nil {
		return Client{}, retryErr
	}

	return client, nil
}

// Exec executes a query without returning any rows
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := c.Pool.Exec(ctx, query, args...)
	return err
}

// Query executes a query that returns rows
// IMPORTANT: Caller MUST call rows.Close() when done to release the connection
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	return c.Pool.Query(ctx, query, args...)
}

// QueryRow executes a query that is expected to return at most one row
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	return c.Pool.QueryRow(ctx, query, args...)
}

// BeginFunc executes a function within a transaction
// If the function returns an error, the transaction is rolled back
// Otherwise, the transaction is committed
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// StdDB exposes the pool through database/sql for tools that need *sql.DB
// (schema migrations). Closing it does not close the pool.
func (c *Client) StdDB() *sql.DB {
	return stdlib.OpenDBFromPool(c.Pool)
}

// Close closes the connection pool
func (c *Client) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetPoolConfigForComponent returns deterministic pool settings for each component
func GetPoolConfigForComponent(component string) *PoolConfig {
	var minConns, maxConns int32
	connMaxLifetime := 5 * time.Minute
	connMaxIdleTime := 2 * time.Minute

	switch component {
	case "checkpoint":
		minConns = 1
		maxConns = 4
	case "destination":
		minConns = 2
		maxConns = 10
	default:
		minConns = 2
		maxConns = 20
		connMaxLifetime = time.Hour
		connMaxIdleTime = 30 * time.Minute
	}

	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
		Component:       component,
	}
}
