package job

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload is returned when a job payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// ValidationError is returned when a job is constructed with malformed input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Reason)
}
