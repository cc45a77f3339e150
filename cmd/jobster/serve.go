package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobster"
	"github.com/cuongbtq/jobster/internal/api/handler"
	"github.com/cuongbtq/jobster/internal/api/router"
	"github.com/cuongbtq/jobster/internal/config"
	"github.com/cuongbtq/jobster/internal/ingress"
	"github.com/cuongbtq/jobster/internal/relay"
	"github.com/cuongbtq/jobster/internal/telemetry"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/shared/rabbitmq"
	"github.com/cuongbtq/jobster/worker"
)

const defaultConsumerTag = "jobster-ingress"

type serveOptions struct {
	skipMigrate bool
}

func newServeCmd(load loader) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workers and the admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, err := load()
			if err != nil {
				return err
			}
			defer appLogger.Close()

			appLogger.Info("Starting jobster",
				slog.String("app", cfg.App.Name),
				slog.String("version", cfg.App.Version),
				slog.String("environment", cfg.App.Environment),
				slog.String("driver", cfg.Database.Driver),
			)

			b, err := openBackend(context.Background(), &cfg.Database, appLogger.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer b.close()

			appLogger.Info("Database connection established")

			return b.serve(context.Background(), cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.skipMigrate, "skip-migrate", false, "Do not create the schema on startup")

	return cmd
}

func (a *app[Tx]) serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	if !opts.skipMigrate {
		if err := a.migrate(ctx); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	}

	jobs, err := cfg.JobConfigs()
	if err != nil {
		return err
	}

	engine, err := jobster.New(jobster.Options[Tx]{
		Storage:            a.store,
		Executor:           a.exec,
		Jobs:               jobs,
		HeartbeatFrequency: cfg.Jobster.HeartbeatFrequency,
		InstanceID:         cfg.Jobster.InstanceID,
		Logger:             a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	for _, name := range cfg.LogOnlyJobs() {
		if err := engine.Listen(name, logOnly(a.logger)); err != nil {
			return err
		}
	}

	if cfg.Telemetry.Enabled {
		metrics, err := telemetry.New()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		detach := metrics.Attach(engine.Events())
		defer detach()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		rabbitClient *rabbitmq.Client
		eventRelay   *relay.Relay
		ingressWG    sync.WaitGroup
	)
	if cfg.RabbitMQ.Relay.Enabled || cfg.RabbitMQ.Ingress.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		a.logger.Info("RabbitMQ connection established")
	}

	if cfg.RabbitMQ.Relay.Enabled {
		eventRelay = relay.New(rabbitClient, engine.InstanceID(), a.logger)
		eventRelay.Start(runCtx, engine.Events())
	}

	if cfg.RabbitMQ.Ingress.Enabled {
		tag := cfg.RabbitMQ.Consumer.Tag
		if tag == "" {
			tag = defaultConsumerTag
		}
		consumer := ingress.NewConsumer(rabbitClient, engine, tag, a.logger)
		ingressWG.Add(1)
		go func() {
			defer ingressWG.Done()
			if err := consumer.Run(runCtx); err != nil {
				a.logger.Error("Ingress consumer failed", slog.Any("error", err))
			}
		}()
	}

	engine.Start(runCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      initRouter(cfg, a, engine),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	a.logger.Info("Jobster is running",
		slog.String("address", srv.Addr),
		slog.String("instance_id", engine.InstanceID()),
		slog.Any("jobs", engine.JobNames()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case sig := <-quit:
		a.logger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case serveErr = <-errChan:
		a.logger.Error("Server failed", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	// stop taking new jobs before draining the workers
	cancelRun()
	ingressWG.Wait()

	if err := engine.Stop(shutdownCtx); err != nil {
		a.logger.Warn("Worker shutdown timeout exceeded, forcing exit", slog.Any("error", err))
	}

	if eventRelay != nil {
		eventRelay.Stop()
	}

	a.logger.Info("Jobster stopped")
	return serveErr
}

// logOnly acknowledges every job after logging it
func logOnly(logger *slog.Logger) worker.Handler {
	return func(ctx context.Context, jobs []*job.Job) (worker.Result, error) {
		for _, j := range jobs {
			logger.InfoContext(ctx, "Job received",
				slog.String("job_id", j.ID),
				slog.String("job_name", j.Name),
				slog.Int("retries", j.Retries),
				slog.String("payload", string(j.Payload)),
			)
		}
		return worker.Result{}, nil
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter[Tx any](cfg *config.Config, a *app[Tx], engine *jobster.Jobster[Tx]) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	serviceName := cfg.App.Name
	if serviceName == "" {
		serviceName = "jobster"
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      a.logger,
		ServiceName: serviceName,
		Jobs:        handler.NewJobStore[Tx](a.exec, a.store, engine),
		Engine:      engine,
		Health:      a.healthCheck,
	})
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
	if cfg.Ingress.Enabled {
		rabbitConfig.QueueName = cfg.Queue.Name
		rabbitConfig.QueueDurable = cfg.Queue.Durable
		rabbitConfig.QueueAutoDelete = cfg.Queue.AutoDelete
		rabbitConfig.QueueExclusive = cfg.Queue.Exclusive
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
