package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/storage"
)

// JobStore is the operator view of the queue
type JobStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter storage.ListFilter) ([]*job.Job, error)
	Delete(ctx context.Context, id string) error
	Enqueue(ctx context.Context, jobs ...*job.Job) error
}

// Engine exposes the worker pools of the running instance
type Engine interface {
	InstanceID() string
	WorkerCounts() map[string]int
}

// Enqueuer persists jobs in a transaction of their own
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...*job.Job) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Jobs        JobStore
	Engine      Engine
	// Health reports whether the job store is reachable. Nil means always healthy.
	Health func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobStore
	engine Engine
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
		engine: deps.Engine,
	}
}

type txStore[Tx any] struct {
	exec      executor.Executor[Tx]
	inspector storage.Inspector[Tx]
	enqueuer  Enqueuer
}

// NewJobStore runs every inspector call in its own transaction
func NewJobStore[Tx any](exec executor.Executor[Tx], inspector storage.Inspector[Tx], enqueuer Enqueuer) JobStore {
	return &txStore[Tx]{exec: exec, inspector: inspector, enqueuer: enqueuer}
}

func (s *txStore[Tx]) Get(ctx context.Context, id string) (*job.Job, error) {
	var j *job.Job
	err := s.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		j, err = s.inspector.GetJob(ctx, tx, id)
		return err
	})
	return j, err
}

func (s *txStore[Tx]) List(ctx context.Context, filter storage.ListFilter) ([]*job.Job, error) {
	var jobs []*job.Job
	err := s.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		jobs, err = s.inspector.ListJobs(ctx, tx, filter)
		return err
	})
	return jobs, err
}

func (s *txStore[Tx]) Delete(ctx context.Context, id string) error {
	return s.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		return s.inspector.DeleteJob(ctx, tx, id)
	})
}

func (s *txStore[Tx]) Enqueue(ctx context.Context, jobs ...*job.Job) error {
	return s.enqueuer.Enqueue(ctx, jobs...)
}
