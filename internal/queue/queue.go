// Package queue holds START_JOB requests until the dispatcher can run them,
// one at a time and in arrival order.
package queue

import (
	"context"
	"errors"

	"provider/internal/job"
)

var (
	ErrQueueClosed = errors.New("queue closed")

	ErrDuplicateJob = errors.New("job already queued")
)

// Handler processes one request. Run never calls it concurrently.
type Handler func(ctx context.Context, req job.Request)

// Claim is called as a request leaves the queue and before its Handler runs,
// while no Remove or Enqueue for the same job can interleave. It must not call
// back into the queue.
type Claim func(req job.Request)

type Queue interface {
	Enqueue(ctx context.Context, req job.Request) error
	// Remove deletes a pending request; false if it was not pending.
	Remove(ctx context.Context, jobID string) (bool, error)
	Len(ctx context.Context) (int, error)
	// Pending lists waiting requests in the order they will run.
	Pending(ctx context.Context) ([]job.Request, error)
	// Run delivers requests to h serially until ctx is canceled. claim may be nil.
	Run(ctx context.Context, claim Claim, h Handler) error
	// Drain removes and returns every pending request. Durable backends
	// return nothing so their jobs survive a restart.
	Drain(ctx context.Context) ([]job.Request, error)
	Close() error
}
