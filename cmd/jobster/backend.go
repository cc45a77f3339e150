package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/internal/config"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/shared/pgxpool"
	"github.com/cuongbtq/jobster/shared/postgresql"
	"github.com/cuongbtq/jobster/shared/sqlite"
	"github.com/cuongbtq/jobster/storage"
	"github.com/cuongbtq/jobster/storage/postgres"
	sqlitestore "github.com/cuongbtq/jobster/storage/sqlite"
)

// backend hides the transaction type of the configured driver from the
// commands
type backend interface {
	migrate(ctx context.Context) error
	enqueue(ctx context.Context, jobs ...*job.Job) error
	serve(ctx context.Context, cfg *config.Config, opts serveOptions) error
	healthCheck(ctx context.Context) error
	close()
}

type store[Tx any] interface {
	storage.Storage[Tx]
	storage.Inspector[Tx]
}

type app[Tx any] struct {
	exec   executor.Executor[Tx]
	store  store[Tx]
	logger *slog.Logger
	health func(ctx context.Context) error
	closer func()
}

func (a *app[Tx]) migrate(ctx context.Context) error {
	return a.exec.Transaction(ctx, a.store.Initialize)
}

func (a *app[Tx]) enqueue(ctx context.Context, jobs ...*job.Job) error {
	return a.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		return a.store.Persist(ctx, tx, jobs)
	})
}

func (a *app[Tx]) healthCheck(ctx context.Context) error {
	return a.health(ctx)
}

func (a *app[Tx]) close() {
	a.closer()
}

// openBackend connects to the database selected by cfg.Driver
func openBackend(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Host,
			Port:            cfg.Port,
			User:            cfg.User,
			Password:        cfg.Password,
			Database:        cfg.Database,
			SSLMode:         cfg.SSLMode,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &app[*sqlx.Tx]{
			exec:   client.Executor(),
			store:  postgres.New[*sqlx.Tx](client.Executor(), logger),
			logger: logger,
			health: client.HealthCheck,
			closer: func() { client.Close() },
		}, nil

	case config.DriverPGX:
		client, err := pgxpool.NewClient(ctx, &pgxpool.Config{
			URL:             cfg.URL,
			MaxConns:        int32(cfg.MaxOpenConns),
			MinConns:        int32(cfg.MaxIdleConns),
			MaxConnLifetime: cfg.ConnMaxLifetime,
			MaxConnIdleTime: cfg.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &app[pgx.Tx]{
			exec:   client.Executor(),
			store:  postgres.New[pgx.Tx](client.Executor(), logger),
			logger: logger,
			health: client.HealthCheck,
			closer: client.Close,
		}, nil

	case config.DriverSQLite:
		client, err := sqlite.NewClient(&sqlite.Config{
			Path:         cfg.Path,
			BusyTimeout:  cfg.BusyTimeout,
			MaxOpenConns: cfg.MaxOpenConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &app[*sqlx.Tx]{
			exec:   client.Executor(),
			store:  sqlitestore.New[*sqlx.Tx](client.Executor(), logger),
			logger: logger,
			health: client.HealthCheck,
			closer: func() { client.Close() },
		}, nil
	}

	return nil, fmt.Errorf("unknown database driver: %q", cfg.Driver)
}
