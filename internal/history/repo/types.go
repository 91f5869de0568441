package repo

import (
	"time"

	"provider/internal/history"
	"provider/internal/job"
)

const jobCacheTTL = time.Minute * 5

type JobModel struct {
	tableName struct{} `pg:"provider_jobs"`

	ID           string     `json:"id" pg:"id,pk"`
	Status       job.Status `json:"status" pg:"status,notnull"`
	ExitCode     int        `json:"exit_code" pg:"exit_code,use_zero"`
	ErrorMessage string     `json:"error_message" pg:"error_message"`
	Logs         string     `json:"logs" pg:"logs"`
	QueuedAt     time.Time  `json:"queued_at" pg:"queued_at,notnull"`
	StartedAt    time.Time  `json:"started_at" pg:"started_at"`
	FinishedAt   time.Time  `json:"finished_at" pg:"finished_at"`
	DurationMs   int64      `json:"duration_ms" pg:"duration_ms,use_zero"`
}

func (m *JobModel) toRecord() *history.Record {
	return &history.Record{
		JobID:        m.ID,
		Status:       m.Status,
		ExitCode:     m.ExitCode,
		ErrorMessage: m.ErrorMessage,
		Logs:         m.Logs,
		QueuedAt:     m.QueuedAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
		DurationMs:   m.DurationMs,
	}
}

func fromRecord(r *history.Record) *JobModel {
	return &JobModel{
		ID:           r.JobID,
		Status:       r.Status,
		ExitCode:     r.ExitCode,
		ErrorMessage: r.ErrorMessage,
		Logs:         r.Logs,
		QueuedAt:     r.QueuedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		DurationMs:   r.DurationMs,
	}
}

func jobCacheKey(jobID string) string {
	return "provider:job:" + jobID
}
