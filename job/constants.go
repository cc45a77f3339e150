package job

// Status is the persisted state of a job. Success is not a status:
// succeeded jobs are deleted.
type Status string

// Job status constants
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFailure Status = "failure"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusFailure:
		return true
	}
	return false
}
