package schedule

import "time"

// Execution records one firing of a scheduler: when it ran, the tick job it
// enqueued (or reused), and why it failed if the enqueue did not happen.
type Execution struct {
	ID          string     `json:"id"`
	SchedulerID string     `json:"scheduler_id"`
	JobID       string     `json:"job_id,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
}

// Execution status constants for type safety
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

// Finish stamps the completion time and outcome.
func (e *Execution) Finish(status, jobID string, err error, now time.Time) {
	e.Status = status
	e.JobID = jobID
	if err != nil {
		e.Error = err.Error()
	}
	completed := now.UTC()
	duration := completed.Sub(e.StartedAt).Milliseconds()
	e.CompletedAt = &completed
	e.DurationMs = &duration
}
