// Package retry provides the policies that reschedule failed jobs.
// Strategies are stateless apart from their configuration and safe for
// concurrent use.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/cuongbtq/jobster/job"
)

// Defaults shared by both strategies
const (
	DefaultBaseTimeout = 5 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 5
)

// Strategy mutates the retry bookkeeping of failed jobs. It performs no I/O.
type Strategy interface {
	OnFailure(jobs []*job.Job)
}

// ConfigError is returned when a strategy is constructed with invalid settings
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid retry %s: %s", e.Field, e.Reason)
}

// Option configures a strategy
type Option func(*policy)

// WithClock overrides the time source, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(p *policy) {
		if now != nil {
			p.now = now
		}
	}
}

// policy holds what both strategies have in common: the attempt limit,
// the clock, and the function computing the delay for a retry count.
type policy struct {
	maxRetries int
	now        func() time.Time
	delay      func(retries int) time.Duration
}

func newPolicy(maxRetries int, delay func(int) time.Duration, opts []Option) policy {
	p := policy{
		maxRetries: maxRetries,
		now:        time.Now,
		delay:      delay,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p policy) onFailure(jobs []*job.Job) {
	for _, j := range jobs {
		now := p.now().UTC()
		lastRun := now

		j.Retries++
		j.LastRunAt = &lastRun
		j.UpdatedAt = now

		if j.Retries > p.maxRetries {
			j.Status = job.StatusFailure
			j.NextRunAfter = nil
			continue
		}

		next := now.Add(p.delay(j.Retries))
		j.Status = job.StatusPending
		j.NextRunAfter = &next
	}
}

// ExponentialBackoff reschedules a job at now + 2^retries * base
type ExponentialBackoff struct {
	BaseTimeout time.Duration
	MaxRetries  int
	policy
}

// NewExponentialBackoff creates an exponential strategy.
// Jobs fail terminally once their retries exceed maxRetries.
func NewExponentialBackoff(base time.Duration, maxRetries int, opts ...Option) (*ExponentialBackoff, error) {
	if base < 0 {
		return nil, &ConfigError{Field: "base_timeout", Reason: "must not be negative"}
	}
	if maxRetries < 0 {
		return nil, &ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}

	e := &ExponentialBackoff{BaseTimeout: base, MaxRetries: maxRetries}
	e.policy = newPolicy(maxRetries, e.backoff, opts)
	return e, nil
}

// DefaultStrategy is the strategy used when a job config names none
func DefaultStrategy() Strategy {
	e, _ := NewExponentialBackoff(DefaultBaseTimeout, DefaultMaxRetries)
	return e
}

func (e *ExponentialBackoff) backoff(retries int) time.Duration {
	d := float64(e.BaseTimeout) * math.Pow(2, float64(retries))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// OnFailure applies the backoff to every job
func (e *ExponentialBackoff) OnFailure(jobs []*job.Job) {
	e.onFailure(jobs)
}

// FixedTimeout reschedules a job at now + timeout
type FixedTimeout struct {
	Timeout    time.Duration
	MaxRetries int
	policy
}

// NewFixedTimeout creates a fixed-delay strategy
func NewFixedTimeout(timeout time.Duration, maxRetries int, opts ...Option) (*FixedTimeout, error) {
	if timeout < 0 {
		return nil, &ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	if maxRetries < 0 {
		return nil, &ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}

	f := &FixedTimeout{Timeout: timeout, MaxRetries: maxRetries}
	f.policy = newPolicy(maxRetries, func(int) time.Duration { return f.Timeout }, opts)
	return f, nil
}

// OnFailure applies the fixed delay to every job
func (f *FixedTimeout) OnFailure(jobs []*job.Job) {
	f.onFailure(jobs)
}
