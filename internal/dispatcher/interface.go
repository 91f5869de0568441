package dispatcher

import (
	"context"

	"provider/internal/job"
	"provider/internal/protocol"
	"provider/internal/workspace"
)

type IDispatcher interface {
	HandleDispatch(msg protocol.StartJob) error
	Cancel(jobID string) bool
}

type Materializer interface {
	Materialize(jobID, raw string) (*workspace.Workspace, error)
}

type Runner interface {
	Run(ctx context.Context, ws *workspace.Workspace) job.Result
}

type Reporter interface {
	ReportRunning(ctx context.Context, jobID string) error
	ReportTerminal(ctx context.Context, res job.Result) error
}
