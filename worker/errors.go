package worker

import (
	"fmt"
)

// NoListenerError is raised when a batch is claimed for a job name without
// a registered handler. The batch is failed through the retry strategy.
type NoListenerError struct {
	JobName string
}

func (e *NoListenerError) Error() string {
	return fmt.Sprintf("job %s does not have any listeners, current attempt counts as a failure", e.JobName)
}

// DuplicateListenerError is returned when a second handler is registered
// for the same job name
type DuplicateListenerError struct {
	JobName string
}

func (e *DuplicateListenerError) Error() string {
	return fmt.Sprintf("job %s already has a listener", e.JobName)
}

// PanicError carries a value recovered from a panicking handler
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// ConfigError is returned when a worker is built with invalid settings
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid worker %s: %s", e.Field, e.Reason)
}
