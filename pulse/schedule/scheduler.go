// Package schedule fires named periodic schedulers that enqueue a tick job on a fixed interval.
package schedule

import (
	"encoding/json"
	"time"
)

// State constants for schedulers
const (
	StateActive = "active" // Fires on schedule
	StatePaused = "paused" // Skipped by the ticker until resumed
)

// Scheduler is a named, persistent interval that enqueues one tick job per firing.
// ID is stable across restarts and processes; it is the deduplication key.
type Scheduler struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Interval  time.Duration   `json:"interval"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastJobID string          `json:"last_job_id,omitempty"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Source is the async job source used to skip a tick while the previous one is still active.
func (s *Scheduler) Source() string {
	return "scheduler:" + s.ID
}
