package job

import (
	"strconv"
	"time"
)

// Status is the lifecycle state reported to the control plane.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Status maps a terminal outcome to the status sent to the control plane.
func (o Outcome) Status() Status {
	if o == OutcomeCompleted {
		return StatusCompleted
	}
	return StatusFailed
}

// Request is one START_JOB dispatch: the job id and its raw code payload.
type Request struct {
	JobID      string    `json:"job_id"`
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
}

// Result is produced once per sandbox invocation.
type Result struct {
	JobID    string
	ExitCode int
	Logs     string
	Outcome  Outcome
	Duration time.Duration
	TimedOut bool
	Canceled bool
	// Err 记录基础设施错误（镜像拉取、容器创建等），执行本身的非零退出不算
	Err error
}

// Failed builds a failed result for errors raised before or outside the sandbox.
func Failed(jobID string, logs string, err error) Result {
	return Result{
		JobID:    jobID,
		ExitCode: -1,
		Logs:     logs,
		Outcome:  OutcomeFailed,
		Err:      err,
	}
}

// ErrorMessage summarises why a result failed, empty for completed results.
func (r Result) ErrorMessage() string {
	switch {
	case r.Outcome == OutcomeCompleted:
		return ""
	case r.Canceled:
		return "canceled"
	case r.TimedOut:
		return "timed out"
	case r.Err != nil:
		return r.Err.Error()
	default:
		return "exit code " + strconv.Itoa(r.ExitCode)
	}
}
