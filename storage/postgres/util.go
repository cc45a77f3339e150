package postgres

import (
	"sort"
	"time"

	"github.com/cuongbtq/jobster/job"
)

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func sortByCreatedAt(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}
