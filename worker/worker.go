// Package worker runs the poll loop that claims and dispatches jobs of one
// job name.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobster/event"
	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/retry"
	"github.com/cuongbtq/jobster/storage"
)

// Defaults applied by New
const (
	DefaultBatchSize     = 1
	DefaultPollFrequency = time.Second
	DefaultMaxInFlight   = 5
)

// Status is the state of a worker
type Status string

// Worker states
const (
	StatusIdling  Status = "idling"
	StatusRunning Status = "running"
)

// Config holds worker configuration
type Config[Tx any] struct {
	JobName       string
	BatchSize     int
	PollFrequency time.Duration
	// MaxInFlight bounds how many iterations of this worker may overlap
	MaxInFlight   int
	RetryStrategy retry.Strategy
	Storage       storage.Storage[Tx]
	Executor      executor.Executor[Tx]
	Registry      *Registry
	Events        *event.Bus
	Logger        *slog.Logger
}

// Worker polls storage for one job name. Each iteration claims a batch and
// resolves it inside one executor transaction.
type Worker[Tx any] struct {
	id            string
	jobName       string
	batchSize     int
	pollFrequency time.Duration
	strategy      retry.Strategy
	storage       storage.Storage[Tx]
	exec          executor.Executor[Tx]
	registry      *Registry
	events        *event.Bus
	logger        *slog.Logger

	mu       sync.Mutex
	status   Status
	stopCh   chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
	slots    chan struct{}
}

// New creates an idle worker
func New[Tx any](cfg Config[Tx]) (*Worker[Tx], error) {
	if cfg.JobName == "" {
		return nil, &ConfigError{Field: "job_name", Reason: "must not be empty"}
	}
	if cfg.Storage == nil {
		return nil, &ConfigError{Field: "storage", Reason: "is required"}
	}
	if cfg.Executor == nil {
		return nil, &ConfigError{Field: "executor", Reason: "is required"}
	}
	if cfg.Registry == nil {
		return nil, &ConfigError{Field: "registry", Reason: "is required"}
	}
	if cfg.BatchSize < 0 || cfg.PollFrequency < 0 || cfg.MaxInFlight < 0 {
		return nil, &ConfigError{Field: "limits", Reason: "must not be negative"}
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollFrequency == 0 {
		cfg.PollFrequency = DefaultPollFrequency
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.RetryStrategy == nil {
		cfg.RetryStrategy = retry.DefaultStrategy()
	}
	if cfg.Events == nil {
		cfg.Events = event.NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	return &Worker[Tx]{
		id:            id,
		jobName:       cfg.JobName,
		batchSize:     cfg.BatchSize,
		pollFrequency: cfg.PollFrequency,
		strategy:      cfg.RetryStrategy,
		storage:       cfg.Storage,
		exec:          cfg.Executor,
		registry:      cfg.Registry,
		events:        cfg.Events,
		logger: cfg.Logger.With(
			slog.String("job_name", cfg.JobName),
			slog.String("worker_id", id),
		),
		status: StatusIdling,
		slots:  make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// ID returns the worker id
func (w *Worker[Tx]) ID() string {
	return w.id
}

// JobName returns the job name this worker claims
func (w *Worker[Tx]) JobName() string {
	return w.jobName
}

// Status returns the current state
func (w *Worker[Tx]) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Start launches the poll loop and returns immediately. Starting a running
// worker is a no-op. Cancelling ctx ends the loop like Stop, but in-flight
// iterations always run to completion.
func (w *Worker[Tx]) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status == StatusRunning {
		w.logger.Warn("Worker is already started")
		return
	}

	w.status = StatusRunning
	w.stopCh = make(chan struct{})
	w.loopDone = make(chan struct{})

	go w.loop(ctx, w.stopCh, w.loopDone)

	w.logger.Info("Worker is running",
		slog.Int("batch_size", w.batchSize),
		slog.Duration("poll_frequency", w.pollFrequency),
	)
}

// Stop ends the poll loop and waits for every in-flight iteration to commit
// or roll back. It never interrupts a handler.
func (w *Worker[Tx]) Stop() {
	w.mu.Lock()
	if w.loopDone == nil {
		w.mu.Unlock()
		return
	}
	if w.status == StatusRunning {
		w.status = StatusIdling
		close(w.stopCh)
	}
	done := w.loopDone
	w.mu.Unlock()

	<-done
	w.inflight.Wait()

	w.logger.Info("Worker stopped")
}

func (w *Worker[Tx]) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	iterCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(w.pollFrequency)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case w.slots <- struct{}{}:
		case <-stopCh:
			return
		case <-ctx.Done():
			w.markIdle(stopCh)
			return
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer func() { <-w.slots }()
			w.execute(iterCtx)
		}()

		timer.Reset(w.pollFrequency)
		select {
		case <-timer.C:
		case <-stopCh:
			return
		case <-ctx.Done():
			w.markIdle(stopCh)
			return
		}
	}
}

// markIdle records that the loop ended on its own
func (w *Worker[Tx]) markIdle(stopCh <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusRunning && w.stopCh == stopCh {
		w.status = StatusIdling
		close(w.stopCh)
	}
}
