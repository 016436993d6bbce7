package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workbench-io/workbench-go/internal/config"
)

// Client wraps the PostgreSQL connection pool shared by the commit
// store, the executors, and the worker claim loop.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClient creates a PostgreSQL client from configuration.
func NewClient(ctx context.Context, cfg config.DBConfig) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN missing")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.PoolMinSize > 0 {
		poolCfg.MinConns = int32(cfg.PoolMinSize)
	}
	if cfg.PoolMaxSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolMaxSize)
	}
	if cfg.CommandTimeoutSeconds > 0 {
		// Applied per connection; long maintenance statements raise it
		// inside their own transaction only.
		timeout := time.Duration(cfg.CommandTimeoutSeconds) * time.Second
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", timeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connectivity (fail fast on startup)
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger := slog.Default().With("component", "postgres")
	logger.Info("postgres client connected",
		"pool_min", cfg.PoolMinSize, "pool_max", cfg.PoolMaxSize)

	return &Client{
		pool:   pool,
		logger: logger,
	}, nil
}

// Pool exposes the underlying pgx pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close closes the PostgreSQL connection pool
func (c *Client) Close() {
	c.pool.Close()
	c.logger.Info("postgres client closed")
}

// HealthCheck verifies PostgreSQL connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}
