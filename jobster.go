// Package jobster is a durable, at-least-once job queue embedded in the host
// process. Jobs are enqueued inside the caller's transaction and executed by
// per-name worker pools that scale with demand across cooperating instances.
package jobster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobster/event"
	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/storage"
	"github.com/cuongbtq/jobster/worker"
)

// Jobster owns the worker pools, the handler registry and the lifecycle bus
// of one engine instance.
type Jobster[Tx any] struct {
	instanceID         string
	storage            storage.Storage[Tx]
	exec               executor.Executor[Tx]
	jobs               map[string]JobConfig
	names              []string
	heartbeatFrequency time.Duration
	registry           *worker.Registry
	events             *event.Bus
	logger             *slog.Logger

	// heartbeatMu serializes autoscaling passes
	heartbeatMu sync.Mutex
	// lifecycleMu serializes Start and Stop
	lifecycleMu sync.Mutex

	mu            sync.Mutex
	workers       map[string][]*worker.Worker[Tx]
	running       bool
	runCtx        context.Context
	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// New validates opts and creates MinWorkers idle workers per enabled job name
func New[Tx any](opts Options[Tx]) (*Jobster[Tx], error) {
	if opts.Storage == nil {
		return nil, &ConfigError{Field: "storage", Reason: "is required"}
	}
	if opts.Executor == nil {
		return nil, &ConfigError{Field: "executor", Reason: "is required"}
	}
	if opts.HeartbeatFrequency < 0 {
		return nil, &ConfigError{Field: "heartbeat_frequency", Reason: "must not be negative"}
	}
	if opts.HeartbeatFrequency == 0 {
		opts.HeartbeatFrequency = DefaultHeartbeatFrequency
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	j := &Jobster[Tx]{
		instanceID:         opts.InstanceID,
		storage:            opts.Storage,
		exec:               opts.Executor,
		jobs:               make(map[string]JobConfig, len(opts.Jobs)),
		heartbeatFrequency: opts.HeartbeatFrequency,
		registry:           worker.NewRegistry(),
		events:             event.NewBus(),
		logger: opts.Logger.With(
			slog.String("component", "jobster"),
			slog.String("instance_id", opts.InstanceID),
		),
		workers: make(map[string][]*worker.Worker[Tx]),
	}

	for name, cfg := range opts.Jobs {
		cfg = cfg.withDefaults()
		if err := cfg.validate(name); err != nil {
			return nil, err
		}
		if cfg.Disabled {
			continue
		}
		j.jobs[name] = cfg
		j.names = append(j.names, name)
	}
	sort.Strings(j.names)

	for _, name := range j.names {
		cfg := j.jobs[name]
		for i := 0; i < *cfg.MinWorkers; i++ {
			w, err := j.newWorker(name, cfg)
			if err != nil {
				return nil, err
			}
			j.workers[name] = append(j.workers[name], w)
		}
	}

	return j, nil
}

func (j *Jobster[Tx]) newWorker(name string, cfg JobConfig) (*worker.Worker[Tx], error) {
	return worker.New(worker.Config[Tx]{
		JobName:       name,
		BatchSize:     cfg.BatchSize,
		PollFrequency: cfg.PollFrequency,
		MaxInFlight:   cfg.MaxInFlight,
		RetryStrategy: cfg.RetryStrategy,
		Storage:       j.storage,
		Executor:      j.exec,
		Registry:      j.registry,
		Events:        j.events,
		Logger:        j.logger,
	})
}

// Initialize creates the storage schema. It is safe to call on every boot.
func (j *Jobster[Tx]) Initialize(ctx context.Context) error {
	return j.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		return j.storage.Initialize(ctx, tx)
	})
}

// Start runs one heartbeat, starts every worker and schedules the heartbeat
// every HeartbeatFrequency. Starting twice is a no-op. Cancelling ctx stops
// the heartbeat and the workers; Start may then be called again.
func (j *Jobster[Tx]) Start(ctx context.Context) {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.Running() {
		j.logger.Warn("Jobster is already started")
		return
	}

	// workers of a cancelled run may still be winding down
	for _, w := range j.allWorkers() {
		w.Stop()
	}

	if err := j.Heartbeat(ctx); err != nil {
		j.logger.Error("Heartbeat failed", slog.Any("error", err))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.running = true
	j.runCtx = ctx
	for _, name := range j.names {
		for _, w := range j.workers[name] {
			w.Start(ctx)
		}
	}

	j.stopHeartbeat = make(chan struct{})
	j.heartbeatDone = make(chan struct{})
	go j.heartbeatLoop(ctx, j.stopHeartbeat, j.heartbeatDone)

	j.logger.Info("Jobster started",
		slog.Int("job_names", len(j.names)),
		slog.Duration("heartbeat_frequency", j.heartbeatFrequency),
	)
}

func (j *Jobster[Tx]) heartbeatLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.heartbeatFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Heartbeat(ctx); err != nil {
				j.logger.Error("Heartbeat failed", slog.Any("error", err))
			}
		case <-stop:
			return
		case <-ctx.Done():
			j.mu.Lock()
			if j.stopHeartbeat == stop {
				j.running = false
				j.stopHeartbeat, j.heartbeatDone = nil, nil
			}
			j.mu.Unlock()
			j.logger.Info("Jobster stopped - context canceled")
			return
		}
	}
}

// Stop cancels the heartbeat, stops every worker and waits for their
// in-flight iterations, then detaches all handlers and event subscribers.
// If ctx ends first the context error is returned while workers keep
// draining in the background.
func (j *Jobster[Tx]) Stop(ctx context.Context) error {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	j.mu.Lock()
	stop, hbDone := j.stopHeartbeat, j.heartbeatDone
	j.stopHeartbeat, j.heartbeatDone = nil, nil
	j.running = false
	var all []*worker.Worker[Tx]
	for _, name := range j.names {
		all = append(all, j.workers[name]...)
	}
	j.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	var g errgroup.Group
	for _, w := range all {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	if hbDone != nil {
		g.Go(func() error {
			<-hbDone
			return nil
		})
	}

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	var err error
	select {
	case err = <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("stop jobster: %w", ctx.Err())
	}

	j.registry.Clear()
	j.events.Clear()

	if err == nil {
		j.logger.Info("Jobster stopped")
	}
	return err
}

func (j *Jobster[Tx]) allWorkers() []*worker.Worker[Tx] {
	j.mu.Lock()
	defer j.mu.Unlock()

	var all []*worker.Worker[Tx]
	for _, name := range j.names {
		all = append(all, j.workers[name]...)
	}
	return all
}

// Listen registers the single handler of a job name
func (j *Jobster[Tx]) Listen(name string, h worker.Handler) error {
	if h == nil {
		return errors.New("listen: handler must not be nil")
	}
	return j.registry.Register(name, h)
}

// Queue persists jobs inside the caller's transaction, so enqueueing commits
// or rolls back together with the caller's own writes.
func (j *Jobster[Tx]) Queue(ctx context.Context, tx Tx, jobs ...*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return j.storage.Persist(ctx, tx, jobs)
}

// Enqueue persists jobs in a transaction of their own
func (j *Jobster[Tx]) Enqueue(ctx context.Context, jobs ...*job.Job) error {
	return j.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		return j.Queue(ctx, tx, jobs...)
	})
}

// Events returns the lifecycle bus
func (j *Jobster[Tx]) Events() *event.Bus {
	return j.events
}

func (j *Jobster[Tx]) InstanceID() string {
	return j.instanceID
}

// WorkerCount returns the current number of workers for name
func (j *Jobster[Tx]) WorkerCount(name string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.workers[name])
}

// WorkerCounts returns the worker count of every enabled job name
func (j *Jobster[Tx]) WorkerCounts() map[string]int {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]int, len(j.names))
	for _, name := range j.names {
		out[name] = len(j.workers[name])
	}
	return out
}

// JobNames returns the enabled job names, sorted
func (j *Jobster[Tx]) JobNames() []string {
	return append([]string(nil), j.names...)
}

// Running reports whether Start has been called without a matching Stop
func (j *Jobster[Tx]) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}
