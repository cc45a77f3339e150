// Package postgres implements storage on PostgreSQL. It is generic over the
// transaction type so it runs on lib/pq (through sqlx) and on pgx alike.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/storage"
)

// Storage is the PostgreSQL job store
type Storage[Tx any] struct {
	exec   executor.Executor[Tx]
	logger *slog.Logger
}

var (
	_ storage.Storage[any]   = (*Storage[any])(nil)
	_ storage.Inspector[any] = (*Storage[any])(nil)
)

// New creates a Storage issuing statements through exec
func New[Tx any](exec executor.Executor[Tx], logger *slog.Logger) *Storage[Tx] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage[Tx]{
		exec:   exec,
		logger: logger.With(slog.String("component", "postgres_storage")),
	}
}

func (s *Storage[Tx]) p(i int) string {
	return s.exec.QueryPlaceholder(i)
}

func (s *Storage[Tx]) Initialize(ctx context.Context, tx Tx) error {
	stmts := append([]string{createStatusType, createJobsTable, createListenersTable, widenListenerID}, createIndexes...)
	for _, stmt := range stmts {
		if _, err := s.exec.Run(ctx, tx, stmt); err != nil {
			return storage.Wrap(storage.OpInitialize, err)
		}
	}

	s.logger.Debug("Postgres storage initialized")
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

	upsert := fmt.Sprintf(`
		INSERT INTO "JobsterJobListeners" (id, payload, "createdAt", "updatedAt")
		VALUES (%s, %s, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, "updatedAt" = NOW()`,
		s.p(0), s.p(1))
	if _, err := s.exec.Run(ctx, tx, upsert, instanceID, string(payload)); err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, fmt.Errorf("failed to upsert listener: %w", err))
	}

	cleanup := `DELETE FROM "JobsterJobListeners" WHERE "updatedAt" < NOW() - INTERVAL '5 minutes'`
	if _, err := s.exec.Run(ctx, tx, cleanup); err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, fmt.Errorf("failed to remove stale listeners: %w", err))
	}

	rosters, err := s.liveRosters(ctx, tx)
	if err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, err)
	}

	pending, err := s.pendingCounts(ctx, tx)
	if err != nil {
		return nil, storage.Wrap(storage.OpHeartbeat, err)
	}

	return storage.Join(rosters, pending), nil
}

func (s *Storage[Tx]) liveRosters(ctx context.Context, tx Tx) ([][]string, error) {
	query := `SELECT payload::text FROM "JobsterJobListeners" WHERE "updatedAt" > NOW() - INTERVAL '1 minute'`
	rows, err := s.exec.Query(ctx, tx, query)
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

func (s *Storage[Tx]) pendingCounts(ctx context.Context, tx Tx) (map[string]int, error) {
	query := `SELECT name, COUNT(*) FROM "JobsterJobs" WHERE ` + eligible + ` GROUP BY name`
	rows, err := s.exec.Query(ctx, tx, query)
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

	const cols = 9
	values := make([]string, len(jobs))
	args := make([]any, 0, len(jobs)*cols)
	for i, j := range jobs {
		values[i] = "(" + executor.Placeholders(s.exec, i*cols, cols) + ")"
		args = append(args,
			j.ID,
			j.Name,
			string(j.Payload),
			string(j.Status),
			j.Retries,
			nullTime(j.LastRunAt),
			nullTime(j.NextRunAfter),
			j.CreatedAt,
			j.UpdatedAt,
		)
	}

	query := `INSERT INTO "JobsterJobs" (id, name, payload, status, retries, "lastRunAt", "nextRunAfter", "createdAt", "updatedAt") VALUES ` +
		strings.Join(values, ",")
	if _, err := s.exec.Run(ctx, tx, query, args...); err != nil {
		return storage.Wrap(storage.OpPersist, err)
	}

	s.logger.Debug("Persisted jobs", slog.Int("count", len(jobs)))
	return nil
}

func (s *Storage[Tx]) GetNextJobs(ctx context.Context, tx Tx, jobName string, batchSize int) ([]*job.Job, error) {
	query := fmt.Sprintf(`
		UPDATE "JobsterJobs" SET status = 'running', "updatedAt" = NOW()
		WHERE id IN (
			SELECT id FROM "JobsterJobs"
			WHERE name = %s AND %s
			ORDER BY "createdAt" ASC
			LIMIT %s
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`,
		s.p(0), eligible, s.p(1), jobColumns)

	rows, err := s.exec.Query(ctx, tx, query, jobName, batchSize)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetNextJobs, err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, storage.Wrap(storage.OpGetNextJobs, err)
	}

	// RETURNING does not keep the subquery order
	sortByCreatedAt(jobs)
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

	const cols = 6
	values := make([]string, len(jobs))
	args := make([]any, 0, len(jobs)*cols)
	for i, j := range jobs {
		o := i * cols
		values[i] = fmt.Sprintf(`(%s::uuid, %s::"JobsterJobStatus", %s::int, %s::timestamptz, %s::timestamptz, %s::timestamptz)`,
			s.p(o), s.p(o+1), s.p(o+2), s.p(o+3), s.p(o+4), s.p(o+5))
		args = append(args,
			j.ID,
			string(j.Status),
			j.Retries,
			nullTime(j.LastRunAt),
			nullTime(j.NextRunAfter),
			j.UpdatedAt,
		)
	}

	query := `
		UPDATE "JobsterJobs" AS j SET
			status = v.status,
			retries = v.retries,
			"lastRunAt" = v."lastRunAt",
			"nextRunAfter" = v."nextRunAfter",
			"updatedAt" = v."updatedAt"
		FROM (VALUES ` + strings.Join(values, ",") + `)
			AS v(id, status, retries, "lastRunAt", "nextRunAfter", "updatedAt")
		WHERE j.id = v.id`

	if _, err := s.exec.Run(ctx, tx, query, args...); err != nil {
		return storage.Wrap(storage.OpFail, err)
	}
	return nil
}

func (s *Storage[Tx]) GetJob(ctx context.Context, tx Tx, id string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM "JobsterJobs" WHERE id = ` + s.p(0)
	rows, err := s.exec.Query(ctx, tx, query, id)
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
	argIdx := 0

	if filter.Name != "" {
		query += " AND name = " + s.p(argIdx)
		args = append(args, filter.Name)
		argIdx++
	}

	if filter.Status != "" {
		query += " AND status::text = " + s.p(argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.CursorCreatedAt != nil {
		query += fmt.Sprintf(` AND ("createdAt", id) < (%s, %s::uuid)`, s.p(argIdx), s.p(argIdx+1))
		args = append(args, *filter.CursorCreatedAt, filter.CursorID)
		argIdx += 2
	}

	query += ` ORDER BY "createdAt" DESC, id DESC`

	if filter.Limit > 0 {
		query += " LIMIT " + s.p(argIdx)
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
	query := `DELETE FROM "JobsterJobs" WHERE id = ` + s.p(0) + ` AND status = 'failure' AND "nextRunAfter" IS NULL`
	n, err := s.exec.Run(ctx, tx, query, id)
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

// collectJobs scans and closes rows
func collectJobs(rows executor.Rows) ([]*job.Job, error) {
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(rows executor.Rows) (*job.Job, error) {
	var (
		j         job.Job
		payload   string
		status    string
		retries   int64
		lastRun   sql.NullTime
		nextRun   sql.NullTime
		createdAt sql.NullTime
		updatedAt sql.NullTime
	)

	err := rows.Scan(&j.ID, &j.Name, &payload, &status, &retries, &lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.Payload = json.RawMessage(payload)
	j.Status = job.Status(status)
	j.Retries = int(retries)
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		j.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time.UTC()
		j.NextRunAfter = &t
	}
	j.CreatedAt = createdAt.Time.UTC()
	j.UpdatedAt = updatedAt.Time.UTC()

	return &j, nil
}
