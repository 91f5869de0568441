// Package sandbox executes one materialized workspace inside a throwaway,
// network-isolated Docker container.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"provider/internal/eventbus"
	"provider/internal/job"
	"provider/internal/monitor"
	"provider/internal/workspace"
)

const (
	cleanupTimeout = 30 * time.Second
	drainTimeout   = 5 * time.Second
)

type Runner struct {
	docker DockerAPI
	config Config
	sink   eventbus.LogSink
	logger *slog.Logger
}

func NewRunner(docker DockerAPI, cfg Config, sink eventbus.LogSink, logger *slog.Logger) *Runner {
	return &Runner{
		docker: docker,
		config: cfg,
		sink:   sink,
		logger: logger.With("component", "sandbox"),
	}
}

// Run executes ws and always returns a result. Every container created here
// is removed before Run returns.
func (r *Runner) Run(ctx context.Context, ws *workspace.Workspace) job.Result {
	start := time.Now()
	out := newLineWriter(newLogBuffer(r.config.MaxLogBytes), r.sink)
	logger := r.logger.With("job_id", ws.JobID)

	finish := func(res job.Result) job.Result {
		res.JobID = ws.JobID
		res.Logs = out.text()
		res.Duration = time.Since(start)
		monitor.JobDuration.Observe(res.Duration.Seconds())
		return res
	}
	dockerError := func(err error) job.Result {
		logger.Error("Sandbox infrastructure error", "error", err)
		r.mark(out, "Docker Error: "+err.Error())
		return finish(job.Result{ExitCode: -1, Outcome: job.OutcomeFailed, Err: err})
	}

	if err := r.ensureImage(ctx); err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, out, finish)
		}
		return dockerError(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	id, name, err := r.create(runCtx, ws)
	if err != nil {
		if runCtx.Err() != nil {
			// 请求被中断时 daemon 可能已经建好了容器，只能按名字清理
			r.remove(name, logger)
			return r.interrupted(ctx, out, finish)
		}
		monitor.SandboxCreateErrors.Inc()
		return dockerError(err)
	}
	monitor.SandboxActive.Inc()
	defer func() {
		r.remove(id, logger)
		monitor.SandboxActive.Dec()
	}()

	if err := r.docker.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		if runCtx.Err() != nil {
			return r.interrupted(ctx, out, finish)
		}
		monitor.SandboxCreateErrors.Inc()
		return dockerError(fmt.Errorf("%w: %v", ErrContainerStartFailed, err))
	}
	logger.Info("Sandbox started", "container_id", id, "image", r.config.Image)

	stream, err := r.docker.ContainerLogs(runCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.kill(id, logger)
		if runCtx.Err() != nil {
			return r.interrupted(ctx, out, finish)
		}
		return dockerError(fmt.Errorf("%w: %v", ErrLogStreamFailed, err))
	}
	defer stream.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		// TTY=false，stdout/stderr 合并到同一个 writer
		if _, err := stdcopy.StdCopy(out, out, stream); err != nil && runCtx.Err() == nil {
			logger.Warn("Log stream ended with error", "error", err)
		}
	}()

	statusCh, errCh := r.docker.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			r.kill(id, logger)
			r.drain(stream, drained)
			return dockerError(fmt.Errorf("%w: %s", ErrWaitFailed, status.Error.Message))
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		r.kill(id, logger)
		r.drain(stream, drained)
		if runCtx.Err() != nil {
			return r.interrupted(ctx, out, finish)
		}
		return dockerError(fmt.Errorf("%w: %v", ErrWaitFailed, err))
	case <-runCtx.Done():
		r.kill(id, logger)
		r.drain(stream, drained)
		return r.interrupted(ctx, out, finish)
	}

	// 容器退出后日志流会自然结束，等待剩余输出读完
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warn("Timed out draining container logs")
		r.drain(stream, drained)
	}
	out.Flush()

	logger.Info("Sandbox exited", "container_id", id, "exit_code", exitCode)
	if exitCode != 0 {
		r.mark(out, fmt.Sprintf("Execution failed with exit code %d", exitCode))
		return finish(job.Result{ExitCode: int(exitCode), Outcome: job.OutcomeFailed})
	}
	return finish(job.Result{ExitCode: 0, Outcome: job.OutcomeCompleted})
}

// interrupted builds the result for a run stopped by the wall-clock timeout
// or by cancellation of the caller's context.
func (r *Runner) interrupted(ctx context.Context, out *lineWriter, finish func(job.Result) job.Result) job.Result {
	out.Flush()
	if ctx.Err() != nil {
		r.mark(out, "Execution canceled")
		return finish(job.Result{ExitCode: -1, Outcome: job.OutcomeFailed, Canceled: true})
	}
	r.mark(out, fmt.Sprintf("Execution timed out after %s", r.config.Timeout))
	return finish(job.Result{ExitCode: -1, Outcome: job.OutcomeFailed, TimedOut: true})
}

func (r *Runner) mark(out *lineWriter, marker string) {
	out.marker(marker)
	if r.sink != nil {
		r.sink.Log(marker)
	}
}

func (r *Runner) ensureImage(ctx context.Context) error {
	_, err := r.docker.ImageInspect(ctx, r.config.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	r.logger.Info("Image not found, pulling...", "image", r.config.Image)
	if r.sink != nil {
		r.sink.Log("Pulling image " + r.config.Image + "...")
	}
	reader, err := r.docker.ImagePull(ctx, r.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	// 异步读取 pull 输出
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		r.logger.Info("Image pull completed", "image", r.config.Image)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

// create returns the container id and the name it was requested under.
func (r *Runner) create(ctx context.Context, ws *workspace.Workspace) (string, string, error) {
	cfg := &container.Config{
		Image:           r.config.Image,
		Cmd:             r.config.Cmd,
		WorkingDir:      r.config.MountPath,
		User:            r.config.User,
		Tty:             false,
		NetworkDisabled: true,
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelJobID:     ws.JobID,
		},
	}

	pids := r.config.PidsLimit
	hostCfg := &container.HostConfig{
		Binds:       []string{fmt.Sprintf("%s:%s:ro", ws.Dir, r.config.MountPath)},
		NetworkMode: "none",
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:     r.config.MemoryBytes,
			MemorySwap: r.config.MemoryBytes,
			NanoCPUs:   r.config.NanoCPUs,
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if pids > 0 {
		hostCfg.Resources.PidsLimit = &pids
	}

	name := ContainerName(ws.JobID, uuid.NewString()[:8])
	resp, err := r.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", name, fmt.Errorf("%w: %v", ErrContainerCreateFailed, err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("Container create warning", "job_id", ws.JobID, "warning", w)
	}
	return resp.ID, name, nil
}

func (r *Runner) kill(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.docker.ContainerKill(ctx, id, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		logger.Warn("Failed to kill container", "container_id", id, "error", err)
	}
}

func (r *Runner) remove(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.Error("Failed to remove container", "container_id", id, "error", err)
		return
	}
	logger.Debug("Container removed", "container_id", id)
}

// drain closes the log stream and waits briefly for the copier to stop.
func (r *Runner) drain(stream io.Closer, drained <-chan struct{}) {
	stream.Close()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}
}

// ReapOrphans removes containers left behind by a previous crash of the agent.
func (r *Runner) ReapOrphans(ctx context.Context) (int, error) {
	list, err := r.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range list {
		if err := r.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("Removed orphaned sandbox", "container_id", c.ID, "job_id", c.Labels[LabelJobID])
		removed++
	}
	return removed, errors.Join(errs...)
}
