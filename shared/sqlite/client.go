package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cuongbtq/jobster/executor"
)

// Config holds SQLite connection configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
	// MaxOpenConns of 0 leaves the pool unbounded
	MaxOpenConns int
}

// DSN renders the config for go-sqlite3. Transactions begin IMMEDIATE so the
// writer lock is held from the start of every claim.
func (c *Config) DSN() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")
	return "file:" + c.Path + "?" + q.Encode()
}

// Client represents a SQLite database client
type Client struct {
	db     *sqlx.DB
	exec   *executor.SQLX
	logger *slog.Logger
}

// NewClient opens the database file, creating it when missing
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Opening SQLite database", slog.String("path", config.Path))

	db, err := sqlx.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{
		db:     db,
		exec:   executor.NewSQLX(db),
		logger: logger,
	}, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Executor returns the transaction executor bound to this client
func (c *Client) Executor() *executor.SQLX {
	return c.exec
}

// HealthCheck pings the database file
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database
func (c *Client) Close() error {
	c.logger.Info("Closing SQLite database")
	return c.db.Close()
}
