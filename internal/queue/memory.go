package queue

import (
	"context"
	"sync"

	"provider/internal/job"
	"provider/internal/monitor"
)

var _ Queue = (*MemoryQueue)(nil)

type MemoryQueue struct {
	mu      sync.Mutex
	items   []job.Request
	active  string // 正在执行的 job id
	notify  chan struct{}
	closed  bool
	closeCh chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req job.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.active == req.JobID {
		return ErrDuplicateJob
	}
	for _, item := range q.items {
		if item.JobID == req.JobID {
			return ErrDuplicateJob
		}
	}
	q.items = append(q.items, req)
	monitor.JobQueueDepth.Set(float64(len(q.items)))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.JobID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			monitor.JobQueueDepth.Set(float64(len(q.items)))
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]job.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]job.Request(nil), q.items...), nil
}

// pop takes the head request and marks it active in one critical section.
func (q *MemoryQueue) pop(claim Claim) (job.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return job.Request{}, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	q.active = req.JobID
	monitor.JobQueueDepth.Set(float64(len(q.items)))
	if claim != nil {
		claim(req)
	}
	return req, true
}

func (q *MemoryQueue) release() {
	q.mu.Lock()
	q.active = ""
	q.mu.Unlock()
}

func (q *MemoryQueue) Run(ctx context.Context, claim Claim, h Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if req, ok := q.pop(claim); ok {
			h(ctx, req)
			q.release()
			continue
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closeCh:
			return ErrQueueClosed
		}
	}
}

func (q *MemoryQueue) Drain(ctx context.Context) ([]job.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	monitor.JobQueueDepth.Set(0)
	return items, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
	return nil
}
