// Package storage defines the persistence contract of the engine.
// Implementations live in the subpackages; they are the only place that
// knows the schema.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/jobster/job"
)

// Roster and claim windows shared by every backend
const (
	// StaleClaimWindow is how long a running job may go without an update
	// before another worker can reclaim it
	StaleClaimWindow = time.Minute
	// ListenerLiveWindow is how recent a roster row must be to count as live
	ListenerLiveWindow = time.Minute
	// ListenerTTL is how long a roster row is kept before being removed
	ListenerTTL = 5 * time.Minute
)

var (
	// ErrJobNotFound is returned when no job has the requested id
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotTerminal is returned when deleting a job that may still run
	ErrJobNotTerminal = errors.New("job is not in a terminal state")
)

// ListenerData is the demand snapshot for one job name
type ListenerData struct {
	NumberOfListeners   int `json:"number_of_listeners"`
	NumberOfPendingJobs int `json:"number_of_pending_jobs"`
}

// Storage persists jobs and the listener roster. Every operation runs inside
// the caller's transaction.
type Storage[Tx any] interface {
	// Initialize creates the schema. It is idempotent.
	Initialize(ctx context.Context, tx Tx) error
	// Heartbeat upserts the roster row of instanceID, drops expired rows, and
	// returns live listener and eligible job counts for each job name.
	Heartbeat(ctx context.Context, tx Tx, instanceID string, jobNames []string) (map[string]ListenerData, error)
	Persist(ctx context.Context, tx Tx, jobs []*job.Job) error
	// GetNextJobs claims up to batchSize eligible jobs, oldest first, marking
	// them running. Rows locked by concurrent claimers are skipped.
	GetNextJobs(ctx context.Context, tx Tx, jobName string, batchSize int) ([]*job.Job, error)
	// Success deletes the jobs
	Success(ctx context.Context, tx Tx, jobs []*job.Job) error
	// Fail writes back the retry state of the jobs by id
	Fail(ctx context.Context, tx Tx, jobs []*job.Job) error
}

// ListFilter narrows ListJobs. Cursor fields select jobs strictly older than
// (CursorCreatedAt, CursorID) in the descending (created_at, id) order.
type ListFilter struct {
	Name            string
	Status          job.Status
	Limit           int
	CursorCreatedAt *time.Time
	CursorID        string
}

// Inspector is the operator read path used by the admin API
type Inspector[Tx any] interface {
	GetJob(ctx context.Context, tx Tx, id string) (*job.Job, error)
	ListJobs(ctx context.Context, tx Tx, filter ListFilter) ([]*job.Job, error)
	// DeleteJob removes a terminally failed job
	DeleteJob(ctx context.Context, tx Tx, id string) error
}

// StorageError wraps a backend failure with the operation that caused it
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err and a *StorageError otherwise
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Storage operation names
const (
	OpInitialize  = "initialize"
	OpHeartbeat   = "heartbeat"
	OpPersist     = "persist"
	OpGetNextJobs = "get_next_jobs"
	OpSuccess     = "success"
	OpFail        = "fail"
	OpGetJob      = "get_job"
	OpListJobs    = "list_jobs"
	OpDeleteJob   = "delete_job"
)

// Join builds the listener data map from live roster entries and eligible
// job counts. Only names present in the roster are returned.
func Join(rosters [][]string, pending map[string]int) map[string]ListenerData {
	out := make(map[string]ListenerData)
	for _, names := range rosters {
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}

			d := out[name]
			d.NumberOfListeners++
			d.NumberOfPendingJobs = pending[name]
			out[name] = d
		}
	}
	return out
}

// RosterPayload is the JSON document stored per listener row
type RosterPayload struct {
	JobNames []string `json:"jobNames"`
}
