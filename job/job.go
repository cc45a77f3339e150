// Package job defines the unit of work processed by jobster workers.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job represents a persisted unit of work
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Retries      int             `json:"retries"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	NextRunAfter *time.Time      `json:"next_run_after,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// New creates a pending job that is eligible to run immediately.
// The payload is marshalled to JSON and must not be nil.
func New(name string, payload any) (*Job, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if payload == nil {
		return nil, &ValidationError{Field: "payload", Reason: "must not be nil"}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	now := time.Now().UTC()
	next := now

	return &Job{
		ID:           uuid.NewString(),
		Name:         name,
		Payload:      raw,
		Status:       StatusPending,
		Retries:      0,
		NextRunAfter: &next,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return validRaw(p)
	case []byte:
		return validRaw(p)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	if string(raw) == "null" {
		return nil, fmt.Errorf("must not be nil")
	}
	return raw, nil
}

func validRaw(p []byte) (json.RawMessage, error) {
	if p == nil || bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
		return nil, fmt.Errorf("must not be nil")
	}
	if !json.Valid(p) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return json.RawMessage(p), nil
}

// Bind decodes the job payload into v
func (j *Job) Bind(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// IsTerminal reports whether the job has exhausted its retries
func (j *Job) IsTerminal() bool {
	return j.Status == StatusFailure && j.NextRunAfter == nil
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	if j.NextRunAfter != nil {
		t := *j.NextRunAfter
		cp.NextRunAfter = &t
	}
	return &cp
}

// CloneAll deep-copies every job in the slice
func CloneAll(jobs []*Job) []*Job {
	out := make([]*Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out
}

// IDs returns the ids of the given jobs in order
func IDs(jobs []*Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
