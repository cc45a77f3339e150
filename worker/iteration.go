package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobster/job"
)

// execute runs one claim/dispatch/resolve cycle. Errors never escape: a
// failed transaction is logged and the claimed rows fall back to their
// previous state through the rollback.
func (w *Worker[Tx]) execute(ctx context.Context) {
	start := time.Now()
	var jobs, claimed []*job.Job

	err := w.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		next, err := w.storage.GetNextJobs(ctx, tx, w.jobName, w.batchSize)
		if err != nil {
			return err
		}
		jobs = next
		if len(jobs) == 0 {
			return nil
		}

		claimed = job.CloneAll(jobs)
		w.events.Started.Publish(job.CloneAll(jobs))

		failed, succeeded := w.dispatch(ctx, jobs)

		if len(failed) > 0 {
			w.strategy.OnFailure(failed)
			if err := w.storage.Fail(ctx, tx, failed); err != nil {
				return err
			}
		}
		if len(succeeded) > 0 {
			if err := w.storage.Success(ctx, tx, succeeded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Error("Worker iteration failed",
			slog.Int("job_count", len(jobs)),
			slog.Any("error", err),
		)
	}

	switch {
	case err != nil && len(claimed) > 0:
		// rolled back: report the jobs as they were claimed
		w.events.Finished.Publish(claimed)
	case len(jobs) > 0:
		w.events.Finished.Publish(job.CloneAll(jobs))
	}

	w.logger.Debug("Worker iteration finished",
		slog.Int("job_count", len(jobs)),
		slog.Duration("duration", time.Since(start)),
	)
}

// dispatch hands the batch to the registered handler and splits it by outcome
func (w *Worker[Tx]) dispatch(ctx context.Context, jobs []*job.Job) (failed, succeeded []*job.Job) {
	handler, ok := w.registry.Get(w.jobName)
	if !ok {
		w.logger.Error("Failed processing job",
			slog.String("job_id", jobs[0].ID),
			slog.Any("error", &NoListenerError{JobName: w.jobName}),
		)
		return jobs, nil
	}

	res, err := call(ctx, handler, job.CloneAll(jobs))
	if err != nil {
		w.logger.Error("Failed processing job",
			slog.String("job_id", jobs[0].ID),
			slog.Int("job_count", len(jobs)),
			slog.Any("error", err),
		)
		return jobs, nil
	}

	return job.Partition(jobs, res.FailedJobIDs)
}

func call(ctx context.Context, h Handler, jobs []*job.Job) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return h(ctx, jobs)
}
