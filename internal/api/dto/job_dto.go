package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobster/job"
)

type CreateJobRequest struct {
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type ListJobsRequest struct {
	Name     string `form:"name"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Retries      int             `json:"retries"`
	LastRunAt    string          `json:"last_run_at,omitempty"`
	NextRunAfter string          `json:"next_run_after,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type WorkersResponse struct {
	InstanceID string         `json:"instance_id"`
	Workers    map[string]int `json:"workers"`
}

// FromJob maps an engine job to its API representation
func FromJob(j *job.Job) JobDTO {
	d := JobDTO{
		JobID:     j.ID,
		Name:      j.Name,
		Payload:   j.Payload,
		Status:    string(j.Status),
		Retries:   j.Retries,
		CreatedAt: j.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.LastRunAt != nil {
		d.LastRunAt = j.LastRunAt.Format(time.RFC3339Nano)
	}
	if j.NextRunAfter != nil {
		d.NextRunAfter = j.NextRunAfter.Format(time.RFC3339Nano)
	}
	return d
}
