package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobster/event"
	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/retry"
	"github.com/cuongbtq/jobster/storage"
	"github.com/cuongbtq/jobster/storage/memory"
)

const jobName = "test"

type harness struct {
	store    *memory.Store
	registry *Registry
	events   *event.Bus
	finished chan []*job.Job
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		registry: NewRegistry(),
		events:   event.NewBus(),
		finished: make(chan []*job.Job, 64),
	}
	h.events.Finished.Subscribe(func(jobs []*job.Job) { h.finished <- jobs })
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *harness) persist(t *testing.T, n int) []*job.Job {
	t.Helper()
	jobs := make([]*job.Job, 0, n)
	for i := 0; i < n; i++ {
		j, err := job.New(jobName, map[string]int{"n": i})
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	require.NoError(t, h.store.Transaction(context.Background(), func(ctx context.Context, tx *memory.Tx) error {
		return h.store.Persist(ctx, tx, jobs)
	}))
	return jobs
}

func (h *harness) newWorker(t *testing.T, cfg Config[*memory.Tx]) *Worker[*memory.Tx] {
	t.Helper()
	cfg.JobName = jobName
	cfg.Storage = h.store
	cfg.Executor = h.store
	cfg.Registry = h.registry
	cfg.Events = h.events
	cfg.Logger = discardLogger()
	if cfg.PollFrequency == 0 {
		cfg.PollFrequency = 5 * time.Millisecond
	}
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func (h *harness) waitFinished(t *testing.T) []*job.Job {
	t.Helper()
	select {
	case jobs := <-h.finished:
		return jobs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job.finished")
		return nil
	}
}

func noRetries(t *testing.T) retry.Strategy {
	t.Helper()
	s, err := retry.NewFixedTimeout(time.Second, 0)
	require.NoError(t, err)
	return s
}

func TestWorker_Success(t *testing.T) {
	h := newHarness(t)
	persisted := h.persist(t, 1)

	var got []*job.Job
	require.NoError(t, h.registry.Register(jobName, func(_ context.Context, jobs []*job.Job) (Result, error) {
		got = jobs
		return Result{}, nil
	}))

	w := h.newWorker(t, Config[*memory.Tx]{})
	w.Start(context.Background())

	finished := h.waitFinished(t)
	w.Stop()

	require.Len(t, got, 1)
	assert.Equal(t, persisted[0].ID, got[0].ID)
	assert.Equal(t, job.StatusRunning, got[0].Status)

	var payload map[string]int
	require.NoError(t, got[0].Bind(&payload))
	assert.Equal(t, 0, payload["n"])

	assert.Len(t, finished, 1)
	assert.Empty(t, h.store.Jobs())
}

func TestWorker_FailedBatches(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{
			name: "handler returns error",
			handler: func(context.Context, []*job.Job) (Result, error) {
				return Result{}, errors.New("boom")
			},
		},
		{
			name: "handler panics",
			handler: func(context.Context, []*job.Job) (Result, error) {
				panic("boom")
			},
		},
		{
			name:    "no listener",
			handler: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			persisted := h.persist(t, 1)
			if tt.handler != nil {
				require.NoError(t, h.registry.Register(jobName, tt.handler))
			}

			w := h.newWorker(t, Config[*memory.Tx]{RetryStrategy: noRetries(t)})
			w.Start(context.Background())

			finished := h.waitFinished(t)
			w.Stop()

			require.Len(t, finished, 1)
			assert.Equal(t, job.StatusFailure, finished[0].Status)

			stored := h.store.Jobs()
			require.Len(t, stored, 1)
			assert.Equal(t, persisted[0].ID, stored[0].ID)
			assert.Equal(t, job.StatusFailure, stored[0].Status)
			assert.Equal(t, 1, stored[0].Retries)
			assert.NotNil(t, stored[0].LastRunAt)
		})
	}
}

func TestWorker_FailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.persist(t, 1)
	require.NoError(t, h.registry.Register(jobName, func(_ context.Context, jobs []*job.Job) (Result, error) {
		return Failed(jobs...), nil
	}))

	before := time.Now()
	w := h.newWorker(t, Config[*memory.Tx]{})
	w.Start(context.Background())
	h.waitFinished(t)
	w.Stop()

	stored := h.store.Jobs()
	require.Len(t, stored, 1)
	assert.Equal(t, job.StatusPending, stored[0].Status)
	assert.Equal(t, 1, stored[0].Retries)
	require.NotNil(t, stored[0].NextRunAfter)
	assert.True(t, stored[0].NextRunAfter.After(before.Add(retry.DefaultBaseTimeout)))
}

func TestWorker_PartialBatch(t *testing.T) {
	h := newHarness(t)
	h.persist(t, 50)

	var failedIDs []string
	require.NoError(t, h.registry.Register(jobName, func(_ context.Context, jobs []*job.Job) (Result, error) {
		res := Failed(jobs[:25]...)
		failedIDs = res.FailedJobIDs
		return res, nil
	}))

	w := h.newWorker(t, Config[*memory.Tx]{BatchSize: 50, RetryStrategy: noRetries(t)})
	w.Start(context.Background())

	finished := h.waitFinished(t)
	w.Stop()

	assert.Len(t, finished, 50)

	stored := h.store.Jobs()
	require.Len(t, stored, 25)
	assert.ElementsMatch(t, failedIDs, job.IDs(stored))
	for _, j := range stored {
		assert.Equal(t, job.StatusFailure, j.Status)
	}
}

func TestWorker_StartedEventCarriesClaimedJobs(t *testing.T) {
	h := newHarness(t)
	persisted := h.persist(t, 2)

	started := make(chan []*job.Job, 1)
	h.events.Started.Subscribe(func(jobs []*job.Job) {
		jobs[0].Name = "mutated"
		started <- jobs
	})
	var seen string
	require.NoError(t, h.registry.Register(jobName, func(_ context.Context, jobs []*job.Job) (Result, error) {
		seen = jobs[0].Name
		return Result{}, nil
	}))

	w := h.newWorker(t, Config[*memory.Tx]{BatchSize: 2})
	w.Start(context.Background())
	h.waitFinished(t)
	w.Stop()

	got := <-started
	assert.ElementsMatch(t, job.IDs(persisted), job.IDs(got))
	assert.Equal(t, jobName, seen)
}

func TestWorker_StopWaitsForInFlight(t *testing.T) {
	h := newHarness(t)
	h.persist(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.registry.Register(jobName, func(context.Context, []*job.Job) (Result, error) {
		close(entered)
		<-release
		return Result{}, nil
	}))

	w := h.newWorker(t, Config[*memory.Tx]{})
	w.Start(context.Background())
	<-entered

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Empty(t, h.store.Jobs())
	assert.Equal(t, StatusIdling, w.Status())
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t)
	w := h.newWorker(t, Config[*memory.Tx]{})

	assert.Equal(t, StatusIdling, w.Status())
	w.Stop()

	w.Start(context.Background())
	w.Start(context.Background())
	assert.Equal(t, StatusRunning, w.Status())

	w.Stop()
	w.Stop()
	assert.Equal(t, StatusIdling, w.Status())

	// restart after stop
	w.Start(context.Background())
	assert.Equal(t, StatusRunning, w.Status())
	w.Stop()
	assert.Equal(t, StatusIdling, w.Status())
}

func TestWorker_ContextCancelEndsLoop(t *testing.T) {
	h := newHarness(t)
	w := h.newWorker(t, Config[*memory.Tx]{})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		return w.Status() == StatusIdling
	}, 5*time.Second, 5*time.Millisecond)
	w.Stop()
}

// flakyStorage fails the first claim
type flakyStorage struct {
	storage.Storage[*memory.Tx]
	calls atomic.Int32
}

func (f *flakyStorage) GetNextJobs(ctx context.Context, tx *memory.Tx, name string, batch int) ([]*job.Job, error) {
	if f.calls.Add(1) == 1 {
		return nil, storage.Wrap(storage.OpGetNextJobs, errors.New("connection reset"))
	}
	return f.Storage.GetNextJobs(ctx, tx, name, batch)
}

func TestWorker_StorageErrorDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.persist(t, 1)
	require.NoError(t, h.registry.Register(jobName, func(context.Context, []*job.Job) (Result, error) {
		return Result{}, nil
	}))

	flaky := &flakyStorage{Storage: h.store}
	w, err := New(Config[*memory.Tx]{
		JobName:       jobName,
		PollFrequency: 5 * time.Millisecond,
		Storage:       flaky,
		Executor:      h.store,
		Registry:      h.registry,
		Events:        h.events,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	w.Start(context.Background())
	h.waitFinished(t)
	w.Stop()

	assert.GreaterOrEqual(t, flaky.calls.Load(), int32(2))
	assert.Empty(t, h.store.Jobs())
}

// failingFail cannot record failures
type failingFail struct {
	storage.Storage[*memory.Tx]
}

func (failingFail) Fail(context.Context, *memory.Tx, []*job.Job) error {
	return storage.Wrap(storage.OpFail, errors.New("disk full"))
}

func TestWorker_RolledBackBatchReportsClaimedState(t *testing.T) {
	h := newHarness(t)
	persisted := h.persist(t, 1)
	require.NoError(t, h.registry.Register(jobName, func(context.Context, []*job.Job) (Result, error) {
		return Result{}, errors.New("boom")
	}))

	w, err := New(Config[*memory.Tx]{
		JobName:       jobName,
		PollFrequency: 5 * time.Millisecond,
		Storage:       failingFail{Storage: h.store},
		Executor:      h.store,
		Registry:      h.registry,
		Events:        h.events,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	w.Start(context.Background())
	finished := h.waitFinished(t)
	w.Stop()

	require.Len(t, finished, 1)
	assert.Equal(t, persisted[0].ID, finished[0].ID)
	assert.Equal(t, job.StatusRunning, finished[0].Status)
	assert.Zero(t, finished[0].Retries)
	assert.Nil(t, finished[0].LastRunAt)
	require.NotNil(t, finished[0].NextRunAfter)
	assert.True(t, persisted[0].NextRunAfter.Equal(*finished[0].NextRunAfter))

	stored := h.store.Jobs()
	require.Len(t, stored, 1)
	assert.Equal(t, job.StatusPending, stored[0].Status)
	assert.Zero(t, stored[0].Retries)
}

type noTx struct{}

// passthrough runs transaction bodies without any isolation
type passthrough struct{}

func (passthrough) Transaction(ctx context.Context, fn executor.TxFunc[noTx]) error {
	return fn(ctx, noTx{})
}

func (passthrough) Run(context.Context, noTx, string, ...any) (int64, error) { return 0, nil }

func (passthrough) Query(context.Context, noTx, string, ...any) (executor.Rows, error) {
	return nil, errors.New("not supported")
}

func (passthrough) QueryPlaceholder(i int) string { return "?" }

// endless hands out a fresh job on every claim
type endless struct{}

func (endless) Initialize(context.Context, noTx) error { return nil }

func (endless) Heartbeat(context.Context, noTx, string, []string) (map[string]storage.ListenerData, error) {
	return nil, nil
}

func (endless) Persist(context.Context, noTx, []*job.Job) error { return nil }

func (endless) GetNextJobs(_ context.Context, _ noTx, name string, _ int) ([]*job.Job, error) {
	j, err := job.New(name, struct{}{})
	if err != nil {
		return nil, err
	}
	return []*job.Job{j}, nil
}

func (endless) Success(context.Context, noTx, []*job.Job) error { return nil }

func (endless) Fail(context.Context, noTx, []*job.Job) error { return nil }

func TestWorker_MaxInFlight(t *testing.T) {
	registry := NewRegistry()

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	release := make(chan struct{})
	require.NoError(t, registry.Register(jobName, func(context.Context, []*job.Job) (Result, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		<-release

		mu.Lock()
		current--
		mu.Unlock()
		return Result{}, nil
	}))

	w, err := New(Config[noTx]{
		JobName:       jobName,
		PollFrequency: time.Millisecond,
		MaxInFlight:   2,
		Storage:       endless{},
		Executor:      passthrough{},
		Registry:      registry,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)

	w.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return current == 2
	}, 5*time.Second, time.Millisecond)

	// the loop is blocked on a free slot
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	close(release)
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
	assert.Equal(t, 0, current)
}

func TestNew_Validation(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()
	valid := func() Config[*memory.Tx] {
		return Config[*memory.Tx]{
			JobName:  jobName,
			Storage:  store,
			Executor: store,
			Registry: registry,
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config[*memory.Tx])
		wantField string
	}{
		{name: "empty job name", mutate: func(c *Config[*memory.Tx]) { c.JobName = "" }, wantField: "job_name"},
		{name: "missing storage", mutate: func(c *Config[*memory.Tx]) { c.Storage = nil }, wantField: "storage"},
		{name: "missing executor", mutate: func(c *Config[*memory.Tx]) { c.Executor = nil }, wantField: "executor"},
		{name: "missing registry", mutate: func(c *Config[*memory.Tx]) { c.Registry = nil }, wantField: "registry"},
		{name: "negative batch size", mutate: func(c *Config[*memory.Tx]) { c.BatchSize = -1 }, wantField: "limits"},
		{name: "negative poll frequency", mutate: func(c *Config[*memory.Tx]) { c.PollFrequency = -time.Second }, wantField: "limits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			_, err := New(cfg)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		w, err := New(valid())
		require.NoError(t, err)
		assert.Equal(t, DefaultBatchSize, w.batchSize)
		assert.Equal(t, DefaultPollFrequency, w.pollFrequency)
		assert.Equal(t, DefaultMaxInFlight, cap(w.slots))
		assert.NotNil(t, w.strategy)
		assert.NotEmpty(t, w.ID())
		assert.Equal(t, jobName, w.JobName())
	})
}
