// Package telemetry turns engine lifecycle events into OpenTelemetry counters
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cuongbtq/jobster/event"
	"github.com/cuongbtq/jobster/job"
)

const meterName = "github.com/cuongbtq/jobster"

// Instrument names
const (
	JobsStarted  = "jobster.jobs.started"
	JobsFinished = "jobster.jobs.finished"
	ScaleChanges = "jobster.scale.changes"
)

// Metrics holds the counters fed by the event bus
type Metrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	scale    metric.Int64Counter
}

// New creates the counters on the global MeterProvider
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates the counters on meter
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter(JobsStarted,
		metric.WithDescription("Jobs claimed and handed to a handler"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter(JobsFinished,
		metric.WithDescription("Jobs whose iteration completed, by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	scale, err := meter.Int64Counter(ScaleChanges,
		metric.WithDescription("Workers added or removed by autoscaling"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{started: started, finished: finished, scale: scale}, nil
}

// Attach subscribes the counters to bus and returns the detach function
func (m *Metrics) Attach(bus *event.Bus) (detach func()) {
	ctx := context.Background()

	unsubs := []func(){
		bus.Started.Subscribe(func(jobs []*job.Job) {
			for name, n := range countByName(jobs, nil) {
				m.started.Add(ctx, n, metric.WithAttributes(attribute.String("job_name", name)))
			}
		}),
		bus.Finished.Subscribe(func(jobs []*job.Job) {
			for _, outcome := range []string{"succeeded", "failed"} {
				for name, n := range countByName(jobs, func(j *job.Job) bool { return Outcome(j) == outcome }) {
					m.finished.Add(ctx, n, metric.WithAttributes(
						attribute.String("job_name", name),
						attribute.String("outcome", outcome),
					))
				}
			}
		}),
		bus.ScaledUp.Subscribe(func(s event.Scale) { m.recordScale(ctx, s, "up") }),
		bus.ScaledDown.Subscribe(func(s event.Scale) { m.recordScale(ctx, s, "down") }),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m *Metrics) recordScale(ctx context.Context, s event.Scale, direction string) {
	n := int64(s.Change)
	if n < 0 {
		n = -n
	}
	m.scale.Add(ctx, n, metric.WithAttributes(
		attribute.String("job_name", s.JobName),
		attribute.String("direction", direction),
	))
}

// Outcome classifies a finished job. Succeeded jobs keep the running status
// they were claimed with; failed ones were rescheduled or made terminal.
func Outcome(j *job.Job) string {
	if j.Status == job.StatusRunning {
		return "succeeded"
	}
	return "failed"
}

func countByName(jobs []*job.Job, keep func(*job.Job) bool) map[string]int64 {
	out := make(map[string]int64)
	for _, j := range jobs {
		if keep == nil || keep(j) {
			out[j.Name]++
		}
	}
	return out
}
