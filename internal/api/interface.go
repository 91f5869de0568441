package api

import (
	"context"

	"provider/internal/eventbus"
	"provider/internal/history"
	"provider/internal/service"
)

var _ AgentService = (*service.Service)(nil)

// AgentService is the part of service.Service the HTTP API drives.
type AgentService interface {
	Start(token string) error
	Stop()
	Snapshot(ctx context.Context) service.Snapshot
	ListJobs(ctx context.Context, limit int) ([]*history.Record, error)
	GetJob(ctx context.Context, jobID string) (*history.Record, error)
	CancelJob(jobID string) error
	StreamEvents(bufferSize int) (<-chan eventbus.Event, func())
}
