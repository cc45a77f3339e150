package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobster/internal/api/dto"
	"github.com/cuongbtq/jobster/job"
	"github.com/cuongbtq/jobster/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a job in its own transaction
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	j, err := job.New(req.Name, req.Payload)
	if err != nil {
		var vErr *job.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": vErr.Error(),
			})
			return
		}
		h.logger.Error("Failed to build job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.jobs.Enqueue(c.Request.Context(), j); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
	)
	c.JSON(http.StatusCreated, dto.FromJob(j))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	j, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondStorageError(c, jobID, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := job.Status(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of pending, running, failure",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.ListFilter{
		Name:   req.Name,
		Status: status,
		Limit:  req.PageSize + 1,
	}
	if cursor != nil {
		filter.CursorCreatedAt = &cursor.CreatedAt
		filter.CursorID = cursor.JobID
	}

	jobs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = dto.FromJob(j)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Only jobs that exhausted their retries can be deleted
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.jobs.Delete(c.Request.Context(), jobID); err != nil {
		h.respondStorageError(c, jobID, "Failed to delete job", err)
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

// ListWorkers handles GET /api/v1/workers
func (h *JobHandler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, dto.WorkersResponse{
		InstanceID: h.engine.InstanceID(),
		Workers:    h.engine.WorkerCounts(),
	})
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func (h *JobHandler) respondStorageError(c *gin.Context, jobID, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	case errors.Is(err, storage.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is still pending or running",
		})
	default:
		h.logger.Error(msg, slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}
