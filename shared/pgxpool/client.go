// Package pgxpool wraps a pgx/v5 connection pool for the engine
package pgxpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuongbtq/jobster/executor"
)

// Config holds pool settings. URL takes any form pgx accepts.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Client owns a pgx pool
type Client struct {
	pool   *pgxpool.Pool
	exec   *executor.PGX
	logger *slog.Logger
}

// NewClient creates the pool and pings it
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}

	if config.MaxConns > 0 {
		poolCfg.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolCfg.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = config.MaxConnIdleTime
	}

	logger.Info("Connecting to PostgreSQL with pgx",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("Failed to ping PostgreSQL", slog.Any("error", err))
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Client{
		pool:   pool,
		exec:   executor.NewPGX(pool),
		logger: logger,
	}, nil
}

// Pool returns the underlying pool
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Executor returns the transaction executor bound to this pool
func (c *Client) Executor() *executor.PGX {
	return c.exec
}

// HealthCheck acquires a connection and pings the server
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes every connection in the pool
func (c *Client) Close() {
	c.logger.Info("Closing pgx pool")
	c.pool.Close()
}
