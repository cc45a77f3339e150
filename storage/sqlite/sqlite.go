// Package sqlite implements storage on SQLite for single-host deployments.
// Timestamps are stored as unix milliseconds. SQLite has no row locks, so
// claims rely on the database being opened with immediate transactions:
// the writer lock is taken at BEGIN and concurrent claimers serialize.
// Handlers run inside the claim transaction, so MaxWorkers > 1 buys no
// parallelism on this backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS "JobsterJobs" (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'failure')),
		retries INTEGER NOT NULL DEFAULT 0,
		lastRunAt INTEGER,
		nextRunAfter INTEGER,
		createdAt INTEGER NOT NULL,
		updatedAt INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "JobsterJobListeners" (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		createdAt INTEGER NOT NULL,
		updatedAt INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_name_idx ON "JobsterJobs" (name)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_status_idx ON "JobsterJobs" (status)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_next_run_after_idx ON "JobsterJobs" (nextRunAfter)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_created_at_idx ON "JobsterJobs" (createdAt)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_updated_at_idx ON "JobsterJobs" (updatedAt)`,
}

const jobColumns = `id, name, payload, status, retries, lastRunAt, nextRunAfter, createdAt, updatedAt`

// Storage is the SQLite job store
type Storage[Tx any] struct {
	exec   executor.Executor[Tx]
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ storage.Storage[any]   = (*Storage[any])(nil)
	_ storage.Inspector[any] = (*Storage[any])(nil)
)

// Option configures a Storage
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for eligibility checks
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a Storage issuing statements through exec
func New[Tx any](exec executor.Executor[Tx], logger *slog.Logger, opts ...Option) *Storage[Tx] {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Storage[Tx]{
		exec:   exec,
		logger: logger.With(slog.String("component", "sqlite_storage")),
		now:    o.now,
	}
}

func (s *Storage[Tx]) Initialize(ctx context.Context, tx Tx) error {
	for _, stmt := range schema {
		if _, err := s.exec.Run(ctx, tx, stmt); err != nil {
			return storage.Wrap(storage.OpInitialize, err)
		}
	}
	s.logger.Debug("SQLite storage initialized")
	return nil
}

func (s *Storage[Tx]) Heartbeat(ctx context.Context, tx Tx, instanceID string, jobNames []string) (map[string]storage.ListenerData, error) {
	if jobNames == nil {
		jobNames = []string{}
	}
	payload, err := json.Marshal(storage.RosterPayload{JobNames: jobNames})
	if err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, fmt.Errorf("failed to marshal roster: %w", err))
	}

	now := s.now()
	nowMs := now.UnixMilli()

	upsert := `INSERT INTO "JobsterJobListeners" (id, payload, createdAt, updatedAt) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updatedAt = excluded.updatedAt`
	if _, err := s.exec.Run(ctx, tx, upsert, instanceID, string(payload), nowMs, nowMs); err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, fmt.Errorf("failed to upsert listener: %w", err))
	}

	cleanup := `DELETE FROM "JobsterJobListeners" WHERE updatedAt < ?`
	if _, err := s.exec.Run(ctx, tx, cleanup, now.Add(-storage.ListenerTTL).UnixMilli()); err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, fmt.Errorf("failed to remove stale listeners: %w", err))
	}

	rosters, err := s.liveRosters(ctx, tx, now)
	if err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, err)
	}

	pending, err := s.pendingCounts(ctx, tx, now)
	if err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, err)
	}

	return storage.Join(rosters, pending), nil
}

func (s *Storage[Tx]) liveRosters(ctx context.Context, tx Tx, now time.Time) ([][]string, error) {
	rows, err := s.exec.Query(ctx, tx, `SELECT payload FROM "JobsterJobListeners" WHERE updatedAt > ?`,
		now.Add(-storage.ListenerLiveWindow).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query listeners: %w", err)
	}
	defer rows.Close()

	var rosters [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan listener: %w", err)
		}
		var roster storage.RosterPayload
		if err := json.Unmarshal([]byte(raw), &roster); err != nil {
			s.logger.Warn("Skipping malformed listener payload", slog.Any("error", err))
			continue
		}
		rosters = append(rosters, roster.JobNames)
	}
	return rosters, rows.Err()
}

func eligible(now time.Time) (string, []any) {
	return `((status = 'pending' AND nextRunAfter <= ?) OR (status = 'running' AND updatedAt < ?))`,
		[]any{now.UnixMilli(), now.Add(-storage.StaleClaimWindow).UnixMilli()}
}

func (s *Storage[Tx]) pendingCounts(ctx context.Context, tx Tx, now time.Time) (map[string]int, error) {
	pred, args := eligible(now)
	rows, err := s.exec.Query(ctx, tx, `SELECT name, COUNT(*) FROM "JobsterJobs" WHERE `+pred+` GROUP BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan pending count: %w", err)
		}
		counts[name] = int(count)
	}
	return counts, rows.Err()
}

func (s *Storage[Tx]) Persist(ctx context.Context, tx Tx, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	values := make([]string, len(jobs))
	args := make([]any, 0, len(jobs)*9)
	for i, j := range jobs {
		values[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			j.ID,
			j.Name,
			string(j.Payload),
			string(j.Status),
			j.Retries,
			millis(j.LastRunAt),
			millis(j.NextRunAfter),
			j.CreatedAt.UnixMilli(),
			j.UpdatedAt.UnixMilli(),
		)
	}

	query := `INSERT INTO "JobsterJobs" (` + jobColumns + `) VALUES ` + strings.Join(values, ",")
	if _, err := s.exec.Run(ctx, tx, query, args...); err != nil {
		return storage.Wrap(storage.OpPersist, err)
	}

	s.logger.Debug("Persisted jobs", slog.Int("count", len(jobs)))
	return nil
}

func (s *Storage[Tx]) GetNextJobs(ctx context.Context, tx Tx, jobName string, batchSize int) ([]*job.Job, error) {
	now := s.now()
	pred, predArgs := eligible(now)

	query := `UPDATE "JobsterJobs" SET status = 'running', updatedAt = ?
		WHERE id IN (
			SELECT id FROM "JobsterJobs"
			WHERE name = ? AND ` + pred + `
			ORDER BY createdAt ASC
			LIMIT ?
		)
		RETURNING ` + jobColumns

	args := append([]any{now.UnixMilli(), jobName}, predArgs...)
	args = append(args, batchSize)

	rows, err := s.exec.Query(ctx, tx, query, args...)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetNextJobs, err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetNextJobs, err)
	}

	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

func (s *Storage[Tx]) Success(ctx context.Context, tx Tx, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	args := make([]any, len(jobs))
	for i, j := range jobs {
		args[i] = j.ID
	}

	query := `DELETE FROM "JobsterJobs" WHERE id IN (` + executor.Placeholders(s.exec, 0, len(jobs)) + `)`
	if _, err := s.exec.Run(ctx, tx, query, args...); err != nil {
		return storage.Wrap(storage.OpSuccess, err)
	}
	return nil
}

func (s *Storage[Tx]) Fail(ctx context.Context, tx Tx, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	values := make([]string, len(jobs))
	args := make([]any, 0, len(jobs)*6)
	for i, j := range jobs {
		values[i] = "(?, ?, ?, ?, ?, ?)"
		args = append(args,
			j.ID,
			string(j.Status),
			j.Retries,
			millis(j.LastRunAt),
			millis(j.NextRunAfter),
			j.UpdatedAt.UnixMilli(),
		)
	}

	query := `WITH v (id, status, retries, lastRunAt, nextRunAfter, updatedAt) AS (VALUES ` + strings.Join(values, ",") + `)
		UPDATE "JobsterJobs" SET
			status = v.status,
			retries = v.retries,
			lastRunAt = v.lastRunAt,
			nextRunAfter = v.nextRunAfter,
			updatedAt = v.updatedAt
		FROM v
		WHERE "JobsterJobs".id = v.id`

	if _, err := s.exec.Run(ctx, tx, query, args...); err != nil {
		return storage.Wrap(storage.OpFail, err)
	}
	return nil
}

func (s *Storage[Tx]) GetJob(ctx context.Context, tx Tx, id string) (*job.Job, error) {
	rows, err := s.exec.Query(ctx, tx, `SELECT `+jobColumns+` FROM "JobsterJobs" WHERE id = ?`, id)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetJob, err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetJob, err)
	}
	if len(jobs) == 0 {
		return nil, storage.ErrJobNotFound
	}
	return jobs[0], nil
}

func (s *Storage[Tx]) ListJobs(ctx context.Context, tx Tx, filter storage.ListFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM "JobsterJobs" WHERE 1=1`
	args := []any{}

	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	if filter.CursorCreatedAt != nil {
		query += " AND (createdAt, id) < (?, ?)"
		args = append(args, filter.CursorCreatedAt.UnixMilli(), filter.CursorID)
	}

	query += " ORDER BY createdAt DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.exec.Query(ctx, tx, query, args...)
	if err != nil {
		return nil, storage.Wrap(storage.OpListJobs, err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storage.Wrap(storage.OpListJobs, err)
	}
	return jobs, nil
}

func (s *Storage[Tx]) DeleteJob(ctx context.Context, tx Tx, id string) error {
	n, err := s.exec.Run(ctx, tx, `DELETE FROM "JobsterJobs" WHERE id = ? AND status = 'failure' AND nextRunAfter IS NULL`, id)
	if err != nil {
		return storage.Wrap(storage.OpDeleteJob, err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, tx, id); err != nil {
		return err
	}
	return storage.ErrJobNotTerminal
}

func collectJobs(rows executor.Rows) ([]*job.Job, error) {
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var (
			j         job.Job
			payload   string
			status    string
			retries   int64
			lastRun   sql.NullInt64
			nextRun   sql.NullInt64
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&j.ID, &j.Name, &payload, &status, &retries, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		j.Payload = json.RawMessage(payload)
		j.Status = job.Status(status)
		j.Retries = int(retries)
		j.LastRunAt = fromMillis(lastRun)
		j.NextRunAfter = fromMillis(nextRun)
		j.CreatedAt = time.UnixMilli(createdAt).UTC()
		j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
