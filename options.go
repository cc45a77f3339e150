package jobster

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobster/executor"
	"github.com/cuongbtq/jobster/retry"
	"github.com/cuongbtq/jobster/storage"
	"github.com/cuongbtq/jobster/worker"
)

// Defaults for zero-valued options
const (
	DefaultMinWorkers         = 1
	DefaultMaxWorkers         = 20
	DefaultHeartbeatFrequency = 5 * time.Second
)

// JobConfig tunes the workers of one job name. Zero values take defaults.
type JobConfig struct {
	// MinWorkers is the floor autoscaling never goes below. Nil means
	// DefaultMinWorkers; Int(0) lets the job name scale to zero.
	MinWorkers *int
	MaxWorkers int
	// BatchSize is how many jobs a worker claims per iteration
	BatchSize     int
	PollFrequency time.Duration
	MaxInFlight   int
	RetryStrategy retry.Strategy
	Disabled      bool
}

func (c JobConfig) withDefaults() JobConfig {
	if c.MinWorkers == nil {
		c.MinWorkers = Int(DefaultMinWorkers)
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.BatchSize == 0 {
		c.BatchSize = worker.DefaultBatchSize
	}
	if c.PollFrequency == 0 {
		c.PollFrequency = worker.DefaultPollFrequency
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = worker.DefaultMaxInFlight
	}
	if c.RetryStrategy == nil {
		c.RetryStrategy = retry.DefaultStrategy()
	}
	return c
}

// Int returns a pointer to v, for optional fields such as MinWorkers
func Int(v int) *int {
	return &v
}

func (c JobConfig) validate(name string) error {
	switch {
	case name == "":
		return &ConfigError{Field: "jobs", Reason: "job name must not be empty"}
	case *c.MinWorkers < 0:
		return &ConfigError{Field: name + ".min_workers", Reason: "must not be negative"}
	case c.MaxWorkers < *c.MinWorkers:
		return &ConfigError{Field: name + ".max_workers", Reason: "must be greater than or equal to min_workers"}
	case c.BatchSize < 1:
		return &ConfigError{Field: name + ".batch_size", Reason: "must be at least 1"}
	case c.PollFrequency < 0:
		return &ConfigError{Field: name + ".poll_frequency", Reason: "must not be negative"}
	case c.MaxInFlight < 1:
		return &ConfigError{Field: name + ".max_in_flight", Reason: "must be at least 1"}
	}
	return nil
}

// Options configures a Jobster. Storage and Executor must agree on the
// transaction type.
type Options[Tx any] struct {
	Storage  storage.Storage[Tx]
	Executor executor.Executor[Tx]
	Jobs     map[string]JobConfig

	HeartbeatFrequency time.Duration
	// InstanceID identifies this process in the listener roster. A random
	// uuid is used when empty.
	InstanceID string
	Logger     *slog.Logger
}

// ConfigError is returned by New for invalid options
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid jobster option %s: %s", e.Field, e.Reason)
}
