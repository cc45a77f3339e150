package jobster

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
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/retry"
	"github.com/cuongbtq/jobster/storage"
	"github.com/cuongbtq/jobster/storage/memory"
	"github.com/cuongbtq/jobster/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJobster(t *testing.T, store storage.Storage[*memory.Tx], exec *memory.Store, jobs map[string]JobConfig) *Jobster[*memory.Tx] {
	t.Helper()
	j, err := New(Options[*memory.Tx]{
		Storage:  store,
		Executor: exec,
		Jobs:     jobs,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Stop(context.Background()) })
	return j
}

func finishedChan(j *Jobster[*memory.Tx]) <-chan []*job.Job {
	ch := make(chan []*job.Job, 16)
	j.Events().Finished.Subscribe(func(jobs []*job.Job) { ch <- jobs })
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func noRetries(t *testing.T) retry.Strategy {
	t.Helper()
	s, err := retry.NewFixedTimeout(time.Second, 0)
	require.NoError(t, err)
	return s
}

func TestJobster_Success(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, map[string]JobConfig{
		"test": {PollFrequency: 5 * time.Millisecond},
	})
	require.NoError(t, j.Initialize(context.Background()))

	var payload map[string]string
	require.NoError(t, j.Listen("test", func(_ context.Context, jobs []*job.Job) (worker.Result, error) {
		return worker.Result{}, jobs[0].Bind(&payload)
	}))
	finished := finishedChan(j)

	queued, err := job.New("test", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, j.Enqueue(context.Background(), queued))

	j.Start(context.Background())
	got := waitFor(t, finished)
	require.NoError(t, j.Stop(context.Background()))

	require.Len(t, got, 1)
	assert.Equal(t, queued.ID, got[0].ID)
	assert.Equal(t, "world", payload["hello"])
	assert.Empty(t, store.Jobs())
}

func TestJobster_ThrowingHandler(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, map[string]JobConfig{
		"test": {PollFrequency: 5 * time.Millisecond, RetryStrategy: noRetries(t)},
	})
	require.NoError(t, j.Listen("test", func(context.Context, []*job.Job) (worker.Result, error) {
		return worker.Result{}, errors.New("fail")
	}))
	finished := finishedChan(j)

	queued, err := job.New("test", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, j.Enqueue(context.Background(), queued))

	j.Start(context.Background())
	waitFor(t, finished)
	require.NoError(t, j.Stop(context.Background()))

	stored := store.Jobs()
	require.Len(t, stored, 1)
	assert.Equal(t, job.StatusFailure, stored[0].Status)
	assert.Nil(t, stored[0].NextRunAfter)
}

func TestJobster_PartialBatchFailure(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, map[string]JobConfig{
		"batchTest": {BatchSize: 50, PollFrequency: 5 * time.Millisecond, RetryStrategy: noRetries(t)},
	})

	var failedIDs []string
	require.NoError(t, j.Listen("batchTest", func(_ context.Context, jobs []*job.Job) (worker.Result, error) {
		res := worker.Failed(jobs[:25]...)
		failedIDs = res.FailedJobIDs
		return res, nil
	}))
	finished := finishedChan(j)

	jobs := make([]*job.Job, 0, 50)
	for i := 0; i < 50; i++ {
		jb, err := job.New("batchTest", map[string]int{"i": i})
		require.NoError(t, err)
		jobs = append(jobs, jb)
	}
	require.NoError(t, j.Enqueue(context.Background(), jobs...))

	j.Start(context.Background())
	got := waitFor(t, finished)
	require.NoError(t, j.Stop(context.Background()))

	assert.Len(t, got, 50)
	stored := store.Jobs()
	require.Len(t, stored, 25)
	assert.ElementsMatch(t, failedIDs, job.IDs(stored))
	for _, jb := range stored {
		assert.Equal(t, job.StatusFailure, jb.Status)
	}
}

func TestJobster_QueueIsAtomicWithCallerTransaction(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, nil)

	rolledBack, err := job.New("test", 1)
	require.NoError(t, err)
	errAbort := errors.New("abort")

	err = store.Transaction(context.Background(), func(ctx context.Context, tx *memory.Tx) error {
		require.NoError(t, j.Queue(ctx, tx, rolledBack))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	assert.Empty(t, store.Jobs())

	committed, err := job.New("test", 2)
	require.NoError(t, err)
	require.NoError(t, store.Transaction(context.Background(), func(ctx context.Context, tx *memory.Tx) error {
		return j.Queue(ctx, tx, committed)
	}))
	require.Len(t, store.Jobs(), 1)
	assert.Equal(t, committed.ID, store.Jobs()[0].ID)
}

// scriptedRoster reports fixed listener data from Heartbeat
type scriptedRoster struct {
	storage.Storage[*memory.Tx]

	mu    sync.Mutex
	data  map[string]storage.ListenerData
	names []string
}

func (s *scriptedRoster) set(name string, listeners, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string]storage.ListenerData{
		name: {NumberOfListeners: listeners, NumberOfPendingJobs: pending},
	}
}

func (s *scriptedRoster) Heartbeat(_ context.Context, _ *memory.Tx, _ string, names []string) (map[string]storage.ListenerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = names
	return s.data, nil
}

func TestJobster_Autoscaling(t *testing.T) {
	store := memory.New()
	roster := &scriptedRoster{Storage: store}
	j := newJobster(t, roster, store, map[string]JobConfig{
		"test": {MinWorkers: Int(1), MaxWorkers: 10, BatchSize: 1},
		"off":  {Disabled: true},
	})
	require.Equal(t, 1, j.WorkerCount("test"))
	require.Equal(t, 0, j.WorkerCount("off"))

	var (
		mu     sync.Mutex
		scales []event.Scale
	)
	record := func(s event.Scale) {
		mu.Lock()
		defer mu.Unlock()
		scales = append(scales, s)
	}
	j.Events().ScaledUp.Subscribe(record)
	j.Events().ScaledDown.Subscribe(record)

	ctx := context.Background()

	roster.set("test", 1, 8)
	require.NoError(t, j.Heartbeat(ctx))
	assert.Equal(t, 8, j.WorkerCount("test"))
	assert.Equal(t, []string{"test"}, roster.names)

	roster.set("test", 1, 100)
	require.NoError(t, j.Heartbeat(ctx))
	assert.Equal(t, 10, j.WorkerCount("test"))

	roster.set("test", 1, 10)
	require.NoError(t, j.Heartbeat(ctx))
	assert.Equal(t, 10, j.WorkerCount("test"))

	roster.set("test", 1, 0)
	require.NoError(t, j.Heartbeat(ctx))
	assert.Equal(t, 1, j.WorkerCount("test"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event.Scale{
		{JobName: "test", Change: 7, NumWorkers: 8},
		{JobName: "test", Change: 2, NumWorkers: 10},
		{JobName: "test", Change: -9, NumWorkers: 1},
	}, scales)
}

func TestJobster_ScaleUpStartsWorkersWhenRunning(t *testing.T) {
	store := memory.New()
	roster := &scriptedRoster{Storage: store}
	j := newJobster(t, roster, store, map[string]JobConfig{
		"test": {MaxWorkers: 4},
	})

	j.Start(context.Background())
	roster.set("test", 2, 8)
	require.NoError(t, j.Heartbeat(context.Background()))

	j.mu.Lock()
	workers := append([]*worker.Worker[*memory.Tx](nil), j.workers["test"]...)
	j.mu.Unlock()

	require.Len(t, workers, 4)
	for _, w := range workers {
		assert.Equal(t, worker.StatusRunning, w.Status())
	}

	require.NoError(t, j.Stop(context.Background()))
	for _, w := range workers {
		assert.Equal(t, worker.StatusIdling, w.Status())
	}
}

func TestScaleChange(t *testing.T) {
	cfg := JobConfig{MinWorkers: Int(1), MaxWorkers: 10, BatchSize: 1}

	tests := []struct {
		name    string
		data    storage.ListenerData
		cfg     JobConfig
		current int
		want    int
	}{
		{name: "scale toward pending", data: storage.ListenerData{NumberOfListeners: 1, NumberOfPendingJobs: 8}, cfg: cfg, current: 1, want: 7},
		{name: "share with other listeners", data: storage.ListenerData{NumberOfListeners: 4, NumberOfPendingJobs: 8}, cfg: cfg, current: 1, want: 1},
		{name: "bounded by max", data: storage.ListenerData{NumberOfListeners: 1, NumberOfPendingJobs: 80}, cfg: cfg, current: 3, want: 7},
		{name: "bounded by min", data: storage.ListenerData{NumberOfListeners: 1, NumberOfPendingJobs: 0}, cfg: cfg, current: 5, want: -4},
		{name: "steady", data: storage.ListenerData{NumberOfListeners: 2, NumberOfPendingJobs: 6}, cfg: cfg, current: 3, want: 0},
		{name: "zero listeners count as one", data: storage.ListenerData{NumberOfListeners: 0, NumberOfPendingJobs: 3}, cfg: cfg, current: 1, want: 2},
		{name: "batch size divides demand", data: storage.ListenerData{NumberOfListeners: 1, NumberOfPendingJobs: 50}, cfg: JobConfig{MinWorkers: Int(1), MaxWorkers: 20, BatchSize: 10}, current: 1, want: 4},
		{name: "half rounds up", data: storage.ListenerData{NumberOfListeners: 2, NumberOfPendingJobs: 5}, cfg: cfg, current: 1, want: 2},
		{name: "zero minimum scales to zero", data: storage.ListenerData{NumberOfListeners: 1, NumberOfPendingJobs: 0}, cfg: JobConfig{MinWorkers: Int(0), MaxWorkers: 5, BatchSize: 1}, current: 2, want: -2},
		{name: "zero minimum wakes on demand", data: storage.ListenerData{NumberOfListeners: 1, NumberOfPendingJobs: 3}, cfg: JobConfig{MinWorkers: Int(0), MaxWorkers: 5, BatchSize: 1}, current: 0, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scaleChange(tt.data, tt.cfg, tt.current))
		})
	}
}

func TestJobster_StopWaitsForInFlightHandler(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, map[string]JobConfig{
		"test": {PollFrequency: 5 * time.Millisecond},
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, j.Listen("test", func(context.Context, []*job.Job) (worker.Result, error) {
		close(entered)
		<-release
		return worker.Result{}, nil
	}))

	queued, err := job.New("test", 1)
	require.NoError(t, err)
	require.NoError(t, j.Enqueue(context.Background(), queued))

	j.Start(context.Background())
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- j.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, waitFor[error](t, stopped))
	assert.Empty(t, store.Jobs())
	assert.False(t, j.Running())
}

func TestJobster_StopHonoursContext(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, map[string]JobConfig{
		"test": {PollFrequency: 5 * time.Millisecond},
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, j.Listen("test", func(context.Context, []*job.Job) (worker.Result, error) {
		close(entered)
		<-release
		return worker.Result{}, nil
	}))
	queued, err := job.New("test", 1)
	require.NoError(t, err)
	require.NoError(t, j.Enqueue(context.Background(), queued))

	j.Start(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = j.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestJobster_StopDetachesListeners(t *testing.T) {
	store := memory.New()
	j := newJobster(t, store, store, map[string]JobConfig{"test": {}})

	noop := func(context.Context, []*job.Job) (worker.Result, error) { return worker.Result{}, nil }
	require.NoError(t, j.Listen("test", noop))

	err := j.Listen("test", noop)
	var dup *worker.DuplicateListenerError
	require.ErrorAs(t, err, &dup)

	j.Events().Started.Subscribe(func([]*job.Job) {})
	j.Events().ScaledUp.Subscribe(func(event.Scale) {})

	require.NoError(t, j.Stop(context.Background()))

	assert.Zero(t, j.Events().Started.Len())
	assert.Zero(t, j.Events().ScaledUp.Len())
	require.NoError(t, j.Listen("test", noop))
}

func TestNew_Options(t *testing.T) {
	store := memory.New()

	tests := []struct {
		name      string
		opts      Options[*memory.Tx]
		wantField string
	}{
		{name: "missing storage", opts: Options[*memory.Tx]{Executor: store}, wantField: "storage"},
		{name: "missing executor", opts: Options[*memory.Tx]{Storage: store}, wantField: "executor"},
		{
			name:      "negative heartbeat",
			opts:      Options[*memory.Tx]{Storage: store, Executor: store, HeartbeatFrequency: -time.Second},
			wantField: "heartbeat_frequency",
		},
		{
			name:      "min above max",
			opts:      Options[*memory.Tx]{Storage: store, Executor: store, Jobs: map[string]JobConfig{"a": {MinWorkers: Int(5), MaxWorkers: 2}}},
			wantField: "a.max_workers",
		},
		{
			name:      "negative min workers",
			opts:      Options[*memory.Tx]{Storage: store, Executor: store, Jobs: map[string]JobConfig{"a": {MinWorkers: Int(-1)}}},
			wantField: "a.min_workers",
		},
		{
			name:      "negative batch size",
			opts:      Options[*memory.Tx]{Storage: store, Executor: store, Jobs: map[string]JobConfig{"a": {BatchSize: -1}}},
			wantField: "a.batch_size",
		},
		{
			name:      "empty job name",
			opts:      Options[*memory.Tx]{Storage: store, Executor: store, Jobs: map[string]JobConfig{"": {}}},
			wantField: "jobs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		j, err := New(Options[*memory.Tx]{
			Storage:  store,
			Executor: store,
			Jobs:     map[string]JobConfig{"b": {}, "a": {MinWorkers: Int(3)}, "c": {Disabled: true}},
		})
		require.NoError(t, err)

		assert.NotEmpty(t, j.InstanceID())
		assert.Equal(t, DefaultHeartbeatFrequency, j.heartbeatFrequency)
		assert.Equal(t, []string{"a", "b"}, j.JobNames())
		assert.Equal(t, map[string]int{"a": 3, "b": 1}, j.WorkerCounts())

		cfg := j.jobs["b"]
		require.NotNil(t, cfg.MinWorkers)
		assert.Equal(t, DefaultMinWorkers, *cfg.MinWorkers)
		assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
		assert.Equal(t, worker.DefaultBatchSize, cfg.BatchSize)
		assert.NotNil(t, cfg.RetryStrategy)
	})

	t.Run("zero min workers", func(t *testing.T) {
		roster := &scriptedRoster{Storage: store}
		j, err := New(Options[*memory.Tx]{
			Storage:  roster,
			Executor: store,
			Jobs:     map[string]JobConfig{"idle": {MinWorkers: Int(0), MaxWorkers: 5}},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, j.WorkerCount("idle"))

		roster.set("idle", 1, 0)
		require.NoError(t, j.Heartbeat(context.Background()))
		assert.Equal(t, 0, j.WorkerCount("idle"))

		roster.set("idle", 1, 2)
		require.NoError(t, j.Heartbeat(context.Background()))
		assert.Equal(t, 2, j.WorkerCount("idle"))
	})
}

// countingRoster counts heartbeats reaching storage
type countingRoster struct {
	storage.Storage[*memory.Tx]
	beats atomic.Int64
}

func (c *countingRoster) Heartbeat(ctx context.Context, tx *memory.Tx, id string, names []string) (map[string]storage.ListenerData, error) {
	c.beats.Add(1)
	return c.Storage.Heartbeat(ctx, tx, id, names)
}

func newTickingJobster(t *testing.T) (*Jobster[*memory.Tx], *countingRoster) {
	t.Helper()
	store := memory.New()
	roster := &countingRoster{Storage: store}
	j, err := New(Options[*memory.Tx]{
		Storage:            roster,
		Executor:           store,
		Jobs:               map[string]JobConfig{"test": {}},
		HeartbeatFrequency: 10 * time.Millisecond,
		Logger:             discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Stop(context.Background()) })
	return j, roster
}

func TestJobster_ConcurrentStartRunsOneHeartbeatLoop(t *testing.T) {
	j, roster := newTickingJobster(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Start(context.Background())
		}()
	}
	wg.Wait()
	require.True(t, j.Running())

	require.NoError(t, j.Stop(context.Background()))
	assert.False(t, j.Running())

	// no heartbeat loop survives Stop
	after := roster.beats.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, roster.beats.Load())
}

func TestJobster_RestartAfterContextCancel(t *testing.T) {
	j, roster := newTickingJobster(t)

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	require.True(t, j.Running())

	cancel()
	require.Eventually(t, func() bool { return !j.Running() }, 5*time.Second, 5*time.Millisecond)

	before := roster.beats.Load()
	j.Start(context.Background())
	assert.True(t, j.Running())
	require.Eventually(t, func() bool { return roster.beats.Load() > before+1 }, 5*time.Second, 5*time.Millisecond)

	j.mu.Lock()
	workers := append([]*worker.Worker[*memory.Tx](nil), j.workers["test"]...)
	j.mu.Unlock()
	for _, w := range workers {
		assert.Equal(t, worker.StatusRunning, w.Status())
	}

	require.NoError(t, j.Stop(context.Background()))
	assert.False(t, j.Running())
}
