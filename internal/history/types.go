// Package history records the lifecycle of every job the agent has accepted.
// It doubles as the dedupe set for repeated START_JOB messages.
package history

import (
	"errors"
	"time"

	"provider/internal/job"
)

var (
	ErrNotFound = errors.New("job record not found")

	ErrExists = errors.New("job record already exists")
)

type Record struct {
	JobID        string     `json:"job_id"`
	Status       job.Status `json:"status"`
	ExitCode     int        `json:"exit_code"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Logs         string     `json:"logs,omitempty"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    time.Time  `json:"started_at,omitzero"`
	FinishedAt   time.Time  `json:"finished_at,omitzero"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
}

// Terminal reports whether the job has reached completed or failed.
func (r *Record) Terminal() bool {
	return r.Status == job.StatusCompleted || r.Status == job.StatusFailed
}

// ApplyResult copies a terminal result into the record.
func (r *Record) ApplyResult(res job.Result, at time.Time) {
	r.Status = res.Outcome.Status()
	r.ExitCode = res.ExitCode
	r.ErrorMessage = res.ErrorMessage()
	r.Logs = res.Logs
	r.FinishedAt = at
	r.DurationMs = res.Duration.Milliseconds()
}
