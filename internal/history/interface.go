package history

import (
	"context"
	"time"

	"provider/internal/job"
)

type Repository interface {
	// Create stores a new queued record; ErrExists if the job is known.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	MarkRunning(ctx context.Context, jobID string, at time.Time) error
	Finish(ctx context.Context, res job.Result, at time.Time) error
	// List returns the most recently queued records first.
	List(ctx context.Context, limit int) ([]*Record, error)
}
