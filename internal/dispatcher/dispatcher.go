// Package dispatcher drives accepted jobs through workspace, sandbox and
// status reporting, strictly one job at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"provider/internal/eventbus"
	"provider/internal/history"
	"provider/internal/job"
	"provider/internal/monitor"
	"provider/internal/protocol"
	"provider/internal/queue"
	"provider/internal/workspace"
)

var _ IDispatcher = (*Dispatcher)(nil)

type Config struct {
	KeepWorkspaces bool
	ReportTimeout  time.Duration
}

type inflight struct {
	jobID     string
	startedAt time.Time
	cancel    context.CancelFunc // nil until process attaches the job context
	canceled  bool
}

func (f *inflight) stop() {
	f.canceled = true
	if f.cancel != nil {
		f.cancel()
	}
}

type Dispatcher struct {
	queue        queue.Queue
	materializer Materializer
	runner       Runner
	reporter     Reporter
	history      history.Repository
	sink         eventbus.LogSink
	config       Config
	logger       *slog.Logger

	mu        sync.Mutex
	current   *inflight
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func NewDispatcher(
	q queue.Queue,
	materializer Materializer,
	runner Runner,
	reporter Reporter,
	hist history.Repository,
	sink eventbus.LogSink,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	return &Dispatcher{
		queue:        q,
		materializer: materializer,
		runner:       runner,
		reporter:     reporter,
		history:      hist,
		sink:         sink,
		config:       cfg,
		logger:       logger.With("component", "dispatcher"),
	}
}

// HandleDispatch accepts a START_JOB without blocking on execution. Jobs that
// are already queued, running or finished are ignored with ErrDuplicateJob.
func (d *Dispatcher) HandleDispatch(msg protocol.StartJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.ReportTimeout)
	defer cancel()
	logger := d.logger.With("job_id", msg.JobID)

	if msg.JobID == "" {
		logger.Warn("Dropping dispatch without job id")
		return fmt.Errorf("%w: missing job id", protocol.ErrMalformedMessage)
	}
	if d.isCurrent(msg.JobID) {
		logger.Info("Ignoring dispatch for running job")
		return ErrDuplicateJob
	}

	now := time.Now()
	err := d.history.Create(ctx, &history.Record{JobID: msg.JobID, Status: job.StatusQueued, QueuedAt: now})
	if errors.Is(err, history.ErrExists) {
		rec, getErr := d.history.Get(ctx, msg.JobID)
		if getErr == nil && rec.Terminal() {
			logger.Info("Ignoring dispatch for finished job", "status", rec.Status)
			d.log(fmt.Sprintf("Ignoring duplicate job %s (already %s)", msg.JobID, rec.Status))
			return ErrDuplicateJob
		}
		// 非终态记录可能是上次崩溃遗留的，交给队列判断是否重复
	} else if err != nil {
		logger.Error("Failed to record job", "error", err)
	}

	req := job.Request{JobID: msg.JobID, Code: msg.Code, ReceivedAt: now}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			logger.Info("Ignoring dispatch for queued job")
			return ErrDuplicateJob
		}
		logger.Error("Failed to enqueue job", "error", err)
		res := job.Failed(msg.JobID, "Queue Error: "+err.Error(), err)
		go d.finish(context.Background(), res, logger)
		return err
	}

	depth, _ := d.queue.Len(ctx)
	logger.Info("Job queued", "queue_depth", depth)
	d.log(fmt.Sprintf("Received job %s", msg.JobID))
	return nil
}

// Start launches the worker. Calling Start while running is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runCancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.runCancel = cancel
	d.runDone = done

	go func() {
		defer close(done)
		d.logger.Info("Job worker started")
		if err := d.queue.Run(runCtx, d.claim, d.process); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("Job worker stopped", "error", err)
			return
		}
		d.logger.Info("Job worker stopped")
	}()
}

// Stop cancels the running job, waits for its terminal report and fails
// every job still waiting in a non-durable queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancelRun, done := d.runCancel, d.runDone
	d.runCancel, d.runDone = nil, nil
	if d.current != nil {
		d.current.stop()
	}
	d.mu.Unlock()

	if cancelRun == nil {
		return
	}
	cancelRun()
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ReportTimeout)
	defer cancel()
	pending, err := d.queue.Drain(ctx)
	if err != nil {
		d.logger.Error("Failed to drain job queue", "error", err)
	}
	for _, req := range pending {
		logger := d.logger.With("job_id", req.JobID)
		logger.Warn("Failing queued job on stop")
		d.finish(ctx, job.Failed(req.JobID, "Agent stopped before the job could run", ErrAgentStopped), logger)
	}
}

// Cancel terminates the job if it is running or removes it if it is queued.
func (d *Dispatcher) Cancel(jobID string) bool {
	logger := d.logger.With("job_id", jobID)

	if d.cancelCurrent(jobID) {
		logger.Info("Canceling running job")
		d.log(fmt.Sprintf("Canceling job %s", jobID))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ReportTimeout)
	defer cancel()
	removed, err := d.queue.Remove(ctx, jobID)
	if err != nil {
		logger.Error("Failed to remove queued job", "error", err)
	}
	if !removed {
		// 可能在两次检查之间被 worker 取走，此时它已被认领为当前任务
		if d.cancelCurrent(jobID) {
			logger.Info("Canceling running job")
			d.log(fmt.Sprintf("Canceling job %s", jobID))
			return true
		}
		return false
	}

	logger.Info("Canceled queued job")
	d.log(fmt.Sprintf("Canceled queued job %s", jobID))
	res := job.Result{
		JobID:    jobID,
		ExitCode: -1,
		Logs:     "Execution canceled",
		Outcome:  job.OutcomeFailed,
		Canceled: true,
		Err:      ErrJobCanceled,
	}
	go d.finish(context.Background(), res, logger)
	return true
}

// Current returns the running job id and when it started.
func (d *Dispatcher) Current() (string, time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return "", time.Time{}, false
	}
	return d.current.jobID, d.current.startedAt, true
}

// Queued lists jobs waiting behind the current one, in run order.
func (d *Dispatcher) Queued(ctx context.Context) []job.Request {
	pending, err := d.queue.Pending(ctx)
	if err != nil {
		d.logger.Warn("Failed to list queued jobs", "error", err)
	}
	return pending
}

func (d *Dispatcher) cancelCurrent(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || d.current.jobID != jobID {
		return false
	}
	d.current.stop()
	return true
}

// claim runs inside the queue's critical section, so a job is always either
// pending or current, never neither.
func (d *Dispatcher) claim(req job.Request) {
	d.mu.Lock()
	d.current = &inflight{jobID: req.JobID, startedAt: time.Now()}
	d.mu.Unlock()
}

func (d *Dispatcher) isCurrent(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil && d.current.jobID == jobID
}

// process runs on the worker goroutine for exactly one job.
func (d *Dispatcher) process(ctx context.Context, req job.Request) {
	jobCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.current == nil || d.current.jobID != req.JobID {
		d.current = &inflight{jobID: req.JobID, startedAt: time.Now()}
	}
	d.current.cancel = cancel
	if d.current.canceled {
		cancel()
	}
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}()

	logger := d.logger.With("job_id", req.JobID)
	logger.Info("Processing job", "waited", time.Since(req.ReceivedAt))

	res, ws := d.execute(jobCtx, req, logger)
	d.finish(ctx, res, logger)

	if ws != nil && !d.config.KeepWorkspaces {
		if err := ws.Remove(); err != nil {
			logger.Warn("Failed to remove workspace", "dir", ws.Dir, "error", err)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, req job.Request, logger *slog.Logger) (res job.Result, ws *workspace.Workspace) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "panic", r, "stack", string(debug.Stack()))
			res = job.Failed(req.JobID, appendLine(res.Logs, fmt.Sprintf("Internal Error: %v", r)), fmt.Errorf("%w: %v", ErrJobPanic, r))
		}
	}()

	ws, err := d.materializer.Materialize(req.JobID, req.Code)
	if err != nil {
		logger.Error("Failed to materialize workspace", "error", err)
		d.log(fmt.Sprintf("Workspace Error: %v", err))
		return job.Failed(req.JobID, "Workspace Error: "+err.Error(), err), nil
	}

	d.markRunning(ctx, req.JobID, logger)
	if ctx.Err() != nil {
		return job.Result{JobID: req.JobID, ExitCode: -1, Logs: "Execution canceled", Outcome: job.OutcomeFailed, Canceled: true}, ws
	}

	d.log("Spawning sandbox...")
	res = d.runner.Run(ctx, ws)
	d.log(fmt.Sprintf("Sandbox execution complete. Logs length: %d", len(res.Logs)))
	return res, ws
}

func (d *Dispatcher) markRunning(ctx context.Context, jobID string, logger *slog.Logger) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.ReportTimeout)
	defer cancel()

	if err := d.history.MarkRunning(reportCtx, jobID, time.Now()); err != nil {
		logger.Warn("Failed to record running state", "error", err)
	}
	if err := d.reporter.ReportRunning(reportCtx, jobID); err != nil {
		monitor.StatusReportErrors.Inc()
		logger.Error("Failed to report running status", "error", err)
		d.log(fmt.Sprintf("Status update failed: %v", err))
		return
	}
	d.log("Job status updated to 'running'")
}

// finish records and reports a terminal result. Reporting errors are logged
// and swallowed; the local lifecycle always completes.
func (d *Dispatcher) finish(ctx context.Context, res job.Result, logger *slog.Logger) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.ReportTimeout)
	defer cancel()

	monitor.JobsTotal.WithLabelValues(string(res.Outcome)).Inc()
	if err := d.history.Finish(reportCtx, res, time.Now()); err != nil {
		logger.Warn("Failed to record terminal state", "error", err)
	}

	status := res.Outcome.Status()
	if err := d.reporter.ReportTerminal(reportCtx, res); err != nil {
		monitor.StatusReportErrors.Inc()
		logger.Error("Failed to report terminal status", "status", status, "error", err)
		d.log(fmt.Sprintf("Status update failed: %v", err))
	}

	logger.Info("Job finished",
		"status", status,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"timed_out", res.TimedOut,
		"canceled", res.Canceled,
	)
	d.log(fmt.Sprintf("Job %s %s", res.JobID, strings.ToUpper(string(status))))
}

func (d *Dispatcher) log(text string) {
	if d.sink != nil {
		d.sink.Log(text)
	}
}

func appendLine(logs, line string) string {
	if logs == "" {
		return line
	}
	return logs + "\n" + line
}
