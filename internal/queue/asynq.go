package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"provider/internal/job"
	"provider/internal/monitor"
)

const TaskStartJob = "job:start"

var _ Queue = (*AsynqQueue)(nil)

// AsynqQueue keeps pending jobs in Redis so they survive an agent restart.
// The worker runs with concurrency 1, which keeps execution serial and FIFO.
type AsynqQueue struct {
	redis     asynq.RedisClientOpt
	name      string
	timeout   time.Duration
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewAsynqQueue creates a queue whose tasks may run for at most taskTimeout.
func NewAsynqQueue(redisOpt asynq.RedisClientOpt, name string, taskTimeout time.Duration, logger *slog.Logger) *AsynqQueue {
	return &AsynqQueue{
		redis:     redisOpt,
		name:      name,
		timeout:   taskTimeout,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    logger.With("component", "asynq-queue", "queue", name),
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, req job.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	task := asynq.NewTask(TaskStartJob, payload)
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.name),
		asynq.TaskID(req.JobID),
		asynq.MaxRetry(0),
		asynq.Timeout(q.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", req.JobID, err)
	}

	q.logger.Debug("Job enqueued", "job_id", req.JobID, "task_id", info.ID)
	q.refreshDepth()
	return nil
}

func (q *AsynqQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	err := q.inspector.DeleteTask(q.name, jobID)
	switch {
	case err == nil:
		q.refreshDepth()
		return true, nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to delete task %s: %w", jobID, err)
	}
}

func (q *AsynqQueue) Len(ctx context.Context) (int, error) {
	info, err := q.inspector.GetQueueInfo(q.name)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Pending, nil
}

func (q *AsynqQueue) Pending(ctx context.Context) ([]job.Request, error) {
	tasks, err := q.inspector.ListPendingTasks(q.name, asynq.PageSize(1000))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	reqs := make([]job.Request, 0, len(tasks))
	for _, t := range tasks {
		var req job.Request
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			q.logger.Warn("Skipping undecodable task", "task_id", t.ID, "error", err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Run starts an asynq worker bound to h and blocks until ctx is canceled.
// Asynq keeps an active task's id reserved, so a running job cannot be
// enqueued again until its handler returns.
func (q *AsynqQueue) Run(ctx context.Context, claim Claim, h Handler) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("asynq queue already running")
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	srv := asynq.NewServer(q.redis, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{q.name: 1},
		ShutdownTimeout: 30 * time.Second,
		Logger:          NewAsynqLogger(q.logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskStartJob, func(taskCtx context.Context, task *asynq.Task) error {
		var req job.Request
		if err := json.Unmarshal(task.Payload(), &req); err != nil {
			q.logger.Error("Failed to unmarshal job payload", "error", err)
			return fmt.Errorf("json unmarshal error: %w: %w", err, asynq.SkipRetry)
		}
		if claim != nil {
			claim(req)
		}
		q.refreshDepth()
		h(taskCtx, req)
		// 任务结果已通过 REST 上报，asynq 侧一律视为成功
		return nil
	})

	q.logger.Info("Starting asynq worker")
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq worker: %w", err)
	}

	<-ctx.Done()
	srv.Shutdown()
	q.logger.Info("Asynq worker stopped")
	return ctx.Err()
}

func (q *AsynqQueue) Drain(ctx context.Context) ([]job.Request, error) {
	return nil, nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

func (q *AsynqQueue) refreshDepth() {
	if n, err := q.Len(context.Background()); err == nil {
		monitor.JobQueueDepth.Set(float64(n))
	}
}

// asynqLogger 把 asynq 内部日志接入 slog
type asynqLogger struct {
	l *slog.Logger
}

func NewAsynqLogger(l *slog.Logger) asynq.Logger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL: " + fmt.Sprint(args...)) }
