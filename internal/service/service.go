// Package service is the agent's lifecycle surface. It composes the control
// channel session, the job dispatcher, job history and the event bus behind a
// Start/Stop/Snapshot API used by the CLI and the local HTTP API.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"provider/internal/eventbus"
	"provider/internal/hardware"
	"provider/internal/history"
	"provider/internal/job"
	"provider/internal/session"
)

var (
	ErrEmptyToken  = session.ErrEmptyToken
	ErrJobNotFound = errors.New("job not found")
)

const defaultListLimit = 50

// Session is the control channel owned by the service.
type Session interface {
	Start(token string) error
	Stop()
	State() session.State
	Running() bool
	Done() <-chan struct{}
}

// Worker executes accepted jobs.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Cancel(jobID string) bool
	Current() (string, time.Time, bool)
	Queued(ctx context.Context) []job.Request
}

type TokenSetter interface {
	SetToken(token string)
}

type Events interface {
	eventbus.LogSink
	eventbus.StatusSink
	Subscribe(bufferSize int) (<-chan eventbus.Event, func())
	Dropped() int64
}

type Service struct {
	MachineID string
	Hardware  hardware.Spec
	Session   Session
	Worker    Worker
	Reporter  TokenSetter
	History   history.Repository
	Bus       Events
	Logger    *slog.Logger

	mu      sync.Mutex
	started bool
}

func NewService(
	machineID string,
	hw hardware.Spec,
	sess Session,
	worker Worker,
	reporter TokenSetter,
	hist history.Repository,
	bus Events,
	logger *slog.Logger,
) *Service {
	return &Service{
		MachineID: machineID,
		Hardware:  hw,
		Session:   sess,
		Worker:    worker,
		Reporter:  reporter,
		History:   hist,
		Bus:       bus,
		Logger:    logger.With("component", "service"),
	}
}

// Start brings the agent online with token. Calling Start while running is a no-op.
func (s *Service) Start(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && s.Session.Running() {
		return nil
	}

	s.Reporter.SetToken(token)
	s.Worker.Start(context.Background())
	if err := s.Session.Start(token); err != nil {
		return err
	}
	s.started = true

	go s.watch(s.Session.Done())
	s.Logger.Info("Agent started", "machine_id", s.MachineID)
	return nil
}

// watch reports a session that ended on its own, i.e. gave up reconnecting.
func (s *Service) watch(done <-chan struct{}) {
	if done == nil {
		return
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.Session.Running() {
		return
	}
	s.Logger.Error("Control channel gave up reconnecting")
	s.Bus.Status(eventbus.StatusError)
	s.Bus.Log("Unable to reach the control plane. Restart the agent to retry.")
}

// Stop closes the session first so no new jobs arrive, then stops the worker.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.Session.Stop()
	s.Worker.Stop()
	s.Logger.Info("Agent stopped")
}

// Ready reports whether the control channel is connected.
func (s *Service) Ready() bool {
	return s.Session.State() == session.StateConnected
}

type CurrentJob struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

type QueuedJob struct {
	JobID      string    `json:"job_id"`
	ReceivedAt time.Time `json:"received_at"`
}

type Snapshot struct {
	MachineID     string        `json:"machine_id,omitempty"`
	State         string        `json:"state"`
	Running       bool          `json:"running"`
	Hardware      hardware.Spec `json:"hardware"`
	CurrentJob    *CurrentJob   `json:"current_job,omitempty"`
	QueueLength   int           `json:"queue_length"`
	QueuedJobs    []QueuedJob   `json:"queued_jobs"`
	EventsDropped int64         `json:"events_dropped"`
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		MachineID:     s.MachineID,
		State:         s.Session.State().String(),
		Running:       s.Session.Running(),
		Hardware:      s.Hardware,
		QueuedJobs:    []QueuedJob{},
		EventsDropped: s.Bus.Dropped(),
	}
	for _, req := range s.Worker.Queued(ctx) {
		snap.QueuedJobs = append(snap.QueuedJobs, QueuedJob{JobID: req.JobID, ReceivedAt: req.ReceivedAt})
	}
	snap.QueueLength = len(snap.QueuedJobs)
	if id, startedAt, ok := s.Worker.Current(); ok {
		snap.CurrentJob = &CurrentJob{JobID: id, StartedAt: startedAt}
	}
	return snap
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*history.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.History.List(ctx, limit)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*history.Record, error) {
	rec, err := s.History.Get(ctx, jobID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return rec, err
}

// CancelJob cancels a running or queued job. Jobs that already finished or are
// unknown return ErrJobNotFound.
func (s *Service) CancelJob(jobID string) error {
	if !s.Worker.Cancel(jobID) {
		return ErrJobNotFound
	}
	return nil
}

func (s *Service) StreamEvents(bufferSize int) (<-chan eventbus.Event, func()) {
	return s.Bus.Subscribe(bufferSize)
}
