package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobster/job"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newJob(t *testing.T, retries int) *job.Job {
	t.Helper()
	j, err := job.New("test", map[string]string{"hello": "world"})
	require.NoError(t, err)
	j.Retries = retries
	j.Status = job.StatusRunning
	return j
}

func TestExponentialBackoff_OnFailure(t *testing.T) {
	tests := []struct {
		name         string
		retries      int
		maxRetries   int
		wantStatus   job.Status
		wantNextRun  time.Duration
		wantTerminal bool
	}{
		{
			name:        "first failure waits two base intervals",
			retries:     0,
			maxRetries:  5,
			wantStatus:  job.StatusPending,
			wantNextRun: 2 * time.Second,
		},
		{
			name:        "third failure waits eight base intervals",
			retries:     2,
			maxRetries:  5,
			wantStatus:  job.StatusPending,
			wantNextRun: 8 * time.Second,
		},
		{
			name:        "last allowed retry is still pending",
			retries:     4,
			maxRetries:  5,
			wantStatus:  job.StatusPending,
			wantNextRun: 32 * time.Second,
		},
		{
			name:         "exceeding max retries is terminal",
			retries:      5,
			maxRetries:   5,
			wantStatus:   job.StatusFailure,
			wantTerminal: true,
		},
		{
			name:         "zero max retries fails on first failure",
			retries:      0,
			maxRetries:   0,
			wantStatus:   job.StatusFailure,
			wantTerminal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewExponentialBackoff(time.Second, tt.maxRetries, WithClock(clock))
			require.NoError(t, err)

			j := newJob(t, tt.retries)
			s.OnFailure([]*job.Job{j})

			assert.Equal(t, tt.retries+1, j.Retries)
			assert.Equal(t, tt.wantStatus, j.Status)
			require.NotNil(t, j.LastRunAt)
			assert.Equal(t, fixedNow, *j.LastRunAt)
			assert.Equal(t, fixedNow, j.UpdatedAt)

			if tt.wantTerminal {
				assert.Nil(t, j.NextRunAfter)
				assert.True(t, j.IsTerminal())
				return
			}
			require.NotNil(t, j.NextRunAfter)
			assert.Equal(t, fixedNow.Add(tt.wantNextRun), *j.NextRunAfter)
		})
	}
}

func TestFixedTimeout_OnFailure(t *testing.T) {
	s, err := NewFixedTimeout(3*time.Second, 2, WithClock(clock))
	require.NoError(t, err)

	j := newJob(t, 0)
	for i := 0; i < 2; i++ {
		s.OnFailure([]*job.Job{j})
		assert.Equal(t, job.StatusPending, j.Status)
		require.NotNil(t, j.NextRunAfter)
		assert.Equal(t, fixedNow.Add(3*time.Second), *j.NextRunAfter)
	}

	s.OnFailure([]*job.Job{j})
	assert.Equal(t, 3, j.Retries)
	assert.Equal(t, job.StatusFailure, j.Status)
	assert.Nil(t, j.NextRunAfter)
}

func TestOnFailure_PendingJobsAreInTheFuture(t *testing.T) {
	strategies := map[string]Strategy{}

	exp, err := NewExponentialBackoff(10*time.Millisecond, 3)
	require.NoError(t, err)
	strategies["exponential"] = exp

	fixed, err := NewFixedTimeout(10*time.Millisecond, 3)
	require.NoError(t, err)
	strategies["fixed"] = fixed

	for name, s := range strategies {
		t.Run(name, func(t *testing.T) {
			jobs := []*job.Job{newJob(t, 0), newJob(t, 1), newJob(t, 2)}
			before := time.Now()
			s.OnFailure(jobs)

			for _, j := range jobs {
				assert.Equal(t, job.StatusPending, j.Status)
				require.NotNil(t, j.NextRunAfter)
				assert.True(t, j.NextRunAfter.After(before))
			}
		})
	}
}

func TestNewStrategy_Validation(t *testing.T) {
	tests := []struct {
		name      string
		build     func() error
		wantField string
	}{
		{
			name: "exponential negative max retries",
			build: func() error {
				_, err := NewExponentialBackoff(time.Second, -1)
				return err
			},
			wantField: "max_retries",
		},
		{
			name: "exponential negative base",
			build: func() error {
				_, err := NewExponentialBackoff(-time.Second, 1)
				return err
			},
			wantField: "base_timeout",
		},
		{
			name: "fixed negative max retries",
			build: func() error {
				_, err := NewFixedTimeout(time.Second, -3)
				return err
			},
			wantField: "max_retries",
		},
		{
			name: "fixed negative timeout",
			build: func() error {
				_, err := NewFixedTimeout(-time.Second, 0)
				return err
			},
			wantField: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestDefaultStrategy(t *testing.T) {
	s, ok := DefaultStrategy().(*ExponentialBackoff)
	require.True(t, ok)
	assert.Equal(t, DefaultBaseTimeout, s.BaseTimeout)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries)
}
