package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen leaves streams untrimmed. Every extracted row is one
// entry, so any cap smaller than the backlog a slow consumer can build drops
// rows it has not read yet. Set redis.stream_max_len to trade that for memory.
const DefaultStreamMaxLen = 0

type Config struct {
	Addr         string `koanf:"addr"`
	Password     string `koanf:"password"`
	DB           int    `koanf:"db"`
	StreamMaxLen int64  `koanf:"stream_max_len"`
}

// Client wraps the Redis client used to publish extracted rows on streams.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, logger *zap.Logger, cfg Config) (*Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	streamMaxLen := cfg.StreamMaxLen
	if streamMaxLen < 0 {
		streamMaxLen = 0
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", cfg.DB),
		zap.Int64("streamMaxLen", streamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		streamMaxLen: streamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) xaddArgs(stream string, values map[string]interface{}) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}
	return args
}

// XAddBatch appends entries to a stream in one pipeline round trip and
// returns how many were accepted.
func (c *Client) XAddBatch(ctx context.Context, stream string, entries []map[string]interface{}) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	cmds, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, values := range entries {
			p.XAdd(ctx, c.xaddArgs(stream, values))
		}
		return nil
	})
	ok := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			ok++
		}
	}
	if err != nil {
		c.logger.Warn("Failed to add batch to Redis stream",
			zap.String("stream", stream),
			zap.Int("accepted", ok),
			zap.Int("entries", len(entries)),
			zap.Error(err))
		return ok, err
	}
	return ok, nil
}
