package jobster

import (
	"context"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobster/event"
	"github.com/cuongbtq/jobster/storage"
	"github.com/cuongbtq/jobster/worker"
)

// Heartbeat refreshes this instance's roster entry and converges the worker
// count of every enabled job name toward its share of the pending jobs.
func (j *Jobster[Tx]) Heartbeat(ctx context.Context) error {
	j.heartbeatMu.Lock()
	defer j.heartbeatMu.Unlock()

	var data map[string]storage.ListenerData
	err := j.exec.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		data, err = j.storage.Heartbeat(ctx, tx, j.instanceID, j.names)
		return err
	})
	if err != nil {
		return err
	}

	for _, name := range j.names {
		d, ok := data[name]
		if !ok {
			continue
		}
		if err := j.scale(ctx, name, d); err != nil {
			return err
		}
	}
	return nil
}

func (j *Jobster[Tx]) scale(ctx context.Context, name string, d storage.ListenerData) error {
	cfg := j.jobs[name]
	current := j.WorkerCount(name)
	change := scaleChange(d, cfg, current)

	j.logger.Debug("Scaling job",
		slog.String("job_name", name),
		slog.Int("listeners", d.NumberOfListeners),
		slog.Int("pending_jobs", d.NumberOfPendingJobs),
		slog.Int("active_workers", current),
		slog.Int("change", change),
	)

	switch {
	case change > 0:
		return j.scaleUp(ctx, name, cfg, change)
	case change < 0:
		j.scaleDown(name, -change)
	}
	return nil
}

// scaleChange returns how many workers to add (positive) or remove
// (negative). Zero listeners count as one.
func scaleChange(d storage.ListenerData, cfg JobConfig, current int) int {
	listeners := max(d.NumberOfListeners, 1)
	ideal := int(math.Round(float64(d.NumberOfPendingJobs) / float64(listeners*cfg.BatchSize)))

	change := ideal - current
	change = max(change, *cfg.MinWorkers-current)
	change = min(change, cfg.MaxWorkers-current)
	return change
}

func (j *Jobster[Tx]) scaleUp(ctx context.Context, name string, cfg JobConfig, n int) error {
	added := make([]*worker.Worker[Tx], 0, n)
	for i := 0; i < n; i++ {
		w, err := j.newWorker(name, cfg)
		if err != nil {
			return err
		}
		added = append(added, w)
	}

	j.mu.Lock()
	j.workers[name] = append(j.workers[name], added...)
	total := len(j.workers[name])
	if j.running {
		for _, w := range added {
			w.Start(j.runCtx)
		}
	}
	j.mu.Unlock()

	j.logger.Info("Scaled up workers",
		slog.String("job_name", name),
		slog.Int("change", n),
		slog.Int("num_workers", total),
	)
	j.events.ScaledUp.Publish(event.Scale{JobName: name, Change: n, NumWorkers: total})
	return nil
}

// scaleDown removes the newest n workers and waits for them to drain
func (j *Jobster[Tx]) scaleDown(name string, n int) {
	j.mu.Lock()
	ws := j.workers[name]
	keep := len(ws) - n
	removed := append([]*worker.Worker[Tx](nil), ws[keep:]...)
	j.workers[name] = ws[:keep:keep]
	total := keep
	j.mu.Unlock()

	var g errgroup.Group
	for _, w := range removed {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = g.Wait()

	j.logger.Info("Scaled down workers",
		slog.String("job_name", name),
		slog.Int("change", -n),
		slog.Int("num_workers", total),
	)
	j.events.ScaledDown.Publish(event.Scale{JobName: name, Change: -n, NumWorkers: total})
}
