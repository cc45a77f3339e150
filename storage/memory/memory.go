// Package memory provides an in-process store and executor for tests and
// local development. Transactions are serialized and rolled back from a
// snapshot, so the store behaves like a single-writer database.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/storage"
)

// ErrNoSQL is returned by Run and Query; the memory store has no SQL engine
var ErrNoSQL = errors.New("memory store does not execute SQL")

// ErrTxDone is returned when a transaction handle is used after it ended
var ErrTxDone = errors.New("transaction has already been committed or rolled back")

// Tx is a memory transaction handle
type Tx struct {
	done bool
}

type listener struct {
	jobNames  []string
	updatedAt time.Time
}

// Store is a mutex-guarded job store
type Store struct {
	sem chan struct{}

	mu        sync.RWMutex
	jobs      map[string]*job.Job
	listeners map[string]listener
	now       func() time.Time
}

var (
	_ storage.Storage[*Tx]   = (*Store)(nil)
	_ storage.Inspector[*Tx] = (*Store)(nil)
	_ executor.Executor[*Tx] = (*Store)(nil)
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		sem:       make(chan struct{}, 1),
		jobs:      make(map[string]*job.Job),
		listeners: make(map[string]listener),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transaction runs fn while holding the store's writer slot. Changes made by
// fn are discarded if it returns an error or panics.
func (s *Store) Transaction(ctx context.Context, fn executor.TxFunc[*Tx]) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return &executor.TransactionError{Op: executor.OpBegin, Err: ctx.Err()}
	}
	defer func() { <-s.sem }()

	snap := s.snapshot()
	tx := &Tx{}

	defer func() {
		if p := recover(); p != nil {
			tx.done = true
			s.restore(snap)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.done = true
		s.restore(snap)
		return err
	}

	tx.done = true
	return nil
}

func (s *Store) Run(context.Context, *Tx, string, ...any) (int64, error) {
	return 0, ErrNoSQL
}

func (s *Store) Query(context.Context, *Tx, string, ...any) (executor.Rows, error) {
	return nil, ErrNoSQL
}

func (s *Store) QueryPlaceholder(int) string {
	return "?"
}

type snapshot struct {
	jobs      map[string]*job.Job
	listeners map[string]listener
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		jobs:      make(map[string]*job.Job, len(s.jobs)),
		listeners: make(map[string]listener, len(s.listeners)),
	}
	for id, j := range s.jobs {
		snap.jobs[id] = j.Clone()
	}
	for id, l := range s.listeners {
		snap.listeners[id] = l
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = snap.jobs
	s.listeners = snap.listeners
}

func checkTx(tx *Tx) error {
	if tx == nil || tx.done {
		return ErrTxDone
	}
	return nil
}

func (s *Store) Initialize(_ context.Context, tx *Tx) error {
	return storage.Wrap(storage.OpInitialize, checkTx(tx))
}

func (s *Store) Heartbeat(_ context.Context, tx *Tx, instanceID string, jobNames []string) (map[string]storage.ListenerData, error) {
	if err := checkTx(tx); err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.listeners[instanceID] = listener{
		jobNames:  append([]string(nil), jobNames...),
		updatedAt: now,
	}

	var rosters [][]string
	for id, l := range s.listeners {
		if l.updatedAt.Before(now.Add(-storage.ListenerTTL)) {
			delete(s.listeners, id)
			continue
		}
		if l.updatedAt.After(now.Add(-storage.ListenerLiveWindow)) {
			rosters = append(rosters, l.jobNames)
		}
	}

	pending := make(map[string]int)
	for _, j := range s.jobs {
		if eligible(j, now) {
			pending[j.Name]++
		}
	}

	return storage.Join(rosters, pending), nil
}

func eligible(j *job.Job, now time.Time) bool {
	switch j.Status {
	case job.StatusPending:
		return j.NextRunAfter != nil && !j.NextRunAfter.After(now)
	case job.StatusRunning:
		return j.UpdatedAt.Before(now.Add(-storage.StaleClaimWindow))
	}
	return false
}

func (s *Store) Persist(_ context.Context, tx *Tx, jobs []*job.Job) error {
	if err := checkTx(tx); err != nil {
		return storage.Wrap(storage.OpPersist, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		if _, exists := s.jobs[j.ID]; exists {
			return storage.Wrap(storage.OpPersist, errors.New("duplicate job id "+j.ID))
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return nil
}

func (s *Store) GetNextJobs(_ context.Context, tx *Tx, jobName string, batchSize int) ([]*job.Job, error) {
	if err := checkTx(tx); err != nil {
		return nil, storage.Wrap(storage.OpGetNextJobs, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*job.Job
	for _, j := range s.jobs {
		if j.Name == jobName && eligible(j, now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].CreatedAt.Equal(candidates[b].CreatedAt) {
			return candidates[a].ID < candidates[b].ID
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.Status = job.StatusRunning
		j.UpdatedAt = now
		claimed[i] = j.Clone()
	}
	return claimed, nil
}

func (s *Store) Success(_ context.Context, tx *Tx, jobs []*job.Job) error {
	if err := checkTx(tx); err != nil {
		return storage.Wrap(storage.OpSuccess, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		delete(s.jobs, j.ID)
	}
	return nil
}

func (s *Store) Fail(_ context.Context, tx *Tx, jobs []*job.Job) error {
	if err := checkTx(tx); err != nil {
		return storage.Wrap(storage.OpFail, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		stored, ok := s.jobs[j.ID]
		if !ok {
			continue
		}
		updated := j.Clone()
		stored.Status = updated.Status
		stored.Retries = updated.Retries
		stored.LastRunAt = updated.LastRunAt
		stored.NextRunAfter = updated.NextRunAfter
		stored.UpdatedAt = updated.UpdatedAt
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, tx *Tx, id string) (*job.Job, error) {
	if err := checkTx(tx); err != nil {
		return nil, storage.Wrap(storage.OpGetJob, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context, tx *Tx, filter storage.ListFilter) ([]*job.Job, error) {
	if err := checkTx(tx); err != nil {
		return nil, storage.Wrap(storage.OpListJobs, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if filter.Name != "" && j.Name != filter.Name {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.CursorCreatedAt != nil && !before(j, *filter.CursorCreatedAt, filter.CursorID) {
			continue
		}
		out = append(out, j.Clone())
	}

	sort.Slice(out, func(a, b int) bool {
		return !before(out[a], out[b].CreatedAt, out[b].ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// before reports whether j sorts before (createdAt, id) in ascending order
func before(j *job.Job, createdAt time.Time, id string) bool {
	if j.CreatedAt.Equal(createdAt) {
		return j.ID < id
	}
	return j.CreatedAt.Before(createdAt)
}

func (s *Store) DeleteJob(_ context.Context, tx *Tx, id string) error {
	if err := checkTx(tx); err != nil {
		return storage.Wrap(storage.OpDeleteJob, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	if !j.IsTerminal() {
		return storage.ErrJobNotTerminal
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a copy of every stored job, oldest first
func (s *Store) Jobs() []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		return before(out[a], out[b].CreatedAt, out[b].ID)
	})
	return out
}
